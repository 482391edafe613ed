package model

// Envelope wraps a parsed message alongside an optional error encountered while decoding.
type Envelope struct {
	Message SourceMessage
	Err     error
}
