package codec

// nullBackend leaves pages untouched. Keys loaded into it are always null.
type nullBackend struct{}

func (nullBackend) Kind() Kind             { return KindNull }
func (nullBackend) KeySize() int           { return 0 }
func (nullBackend) ReservedBytes() int     { return 0 }
func (nullBackend) MinReserved() int       { return 0 }
func (nullBackend) HashesPassphrase() bool { return false }
func (nullBackend) HeaderPad() []byte      { return nil }

func (nullBackend) Layout(pageSize, reserved int) (Layout, error) {
	l := plainLayout(pageSize, reserved)
	l.MaskLen = 0
	return l, nil
}

func (nullBackend) IV(dst []byte, _ uint32, _ []byte) []byte { return dst }

func (nullBackend) NewSchedule([]byte) (Schedule, error) { return nullSchedule{}, nil }

type nullSchedule struct{}

func (nullSchedule) Keystream(dst, _ []byte) { clear(dst) }
func (nullSchedule) Wipe()                   {}
