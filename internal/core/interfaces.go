package core

// ErrorListener is told about initialization failures of the frame source.
// OnSourceError is called once, synchronously, from Run.
type ErrorListener interface {
	OnSourceError(message string)
}

// ErrorListenerFunc adapts a function to ErrorListener.
type ErrorListenerFunc func(message string)

func (f ErrorListenerFunc) OnSourceError(message string) { f(message) }
