package model

// ResultKind tags the outcome of inspecting a message or processing a Job.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultSkipped
	ResultFailed
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultSkipped:
		return "skipped"
	case ResultFailed:
		return "failed"
	case ResultFatal:
		return "fatal"
	}
	return "unknown"
}

// Result is the tagged outcome returned by discovery and by the download driver.
type Result struct {
	Kind     ResultKind
	Job      Job
	Source   string
	Reason   string
	Err      error
	Artifact string
}

func OK(job Job) Result {
	return Result{Kind: ResultOK, Job: job, Source: job.SourcePath}
}

func Skipped(source, reason string) Result {
	return Result{Kind: ResultSkipped, Source: source, Reason: reason}
}

func Failed(job Job, err error) Result {
	return Result{Kind: ResultFailed, Job: job, Source: job.SourcePath, Err: err}
}

func Fatal(job Job, err error) Result {
	return Result{Kind: ResultFatal, Job: job, Source: job.SourcePath, Err: err}
}
