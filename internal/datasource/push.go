package datasource

import "context"

// PushSource backs TransparentForward and IPCPipe. It opens no transport of
// its own: the worker feeds it the values of every PushRegisters message it
// receives over the controller IPC channel. The controller sends
// PushRegisters to a master worker only for a SendRegisterUpdate intent; it
// does not forward another port's observations to a TransparentForward
// source, and it accepts no values from outside processes for an IPCPipe
// source.
type PushSource struct {
	ch chan []uint16
}

// NewPushSource creates an unbuffered-feeling push source; the single
// buffer slot means a value that arrives between polls is not lost, but a
// second one before the first is consumed replaces it (only the latest
// observation matters for a write cycle).
func NewPushSource() *PushSource {
	return &PushSource{ch: make(chan []uint16, 1)}
}

// Push delivers a new observation, replacing any unconsumed prior one.
func (s *PushSource) Push(values []uint16) {
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- values:
	default:
	}
}

func (s *PushSource) Next(ctx context.Context) ([]uint16, bool, error) {
	select {
	case v := <-s.ch:
		return v, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
		return nil, false, nil
	}
}

func (s *PushSource) Close() error { return nil }
