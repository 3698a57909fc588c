package vsockmux

// ResponseWriter sends response payloads back on the connection a frame
// arrived on.
type ResponseWriter interface {
	// Send queues payload without blocking. It fails with ErrOverloaded when
	// the write queue is full and ErrConnectionClosed once the connection
	// is gone.
	Send(payload []byte) error
}

// Handler is the single extension point of a connection: given a received
// payload and a way to respond, produce zero or more response payloads.
//
// ServeFrame runs on the connection's read goroutine, so frames of one
// connection are handled in the order they were received. The payload must
// not be retained after ServeFrame returns.
type Handler interface {
	ServeFrame(w ResponseWriter, payload []byte) error
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(w ResponseWriter, payload []byte) error

// ServeFrame calls f(w, payload).
func (f HandlerFunc) ServeFrame(w ResponseWriter, payload []byte) error {
	return f(w, payload)
}

// EchoHandler responds to every frame with the same payload.
func EchoHandler() Handler {
	return HandlerFunc(func(w ResponseWriter, payload []byte) error {
		return w.Send(payload)
	})
}

// AckHandler responds to every frame with a fixed acknowledgment.
func AckHandler(ack []byte) Handler {
	ack = append([]byte(nil), ack...)
	return HandlerFunc(func(w ResponseWriter, _ []byte) error {
		return w.Send(ack)
	})
}
