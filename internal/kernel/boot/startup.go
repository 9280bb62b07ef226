package boot

import (
	"bytes"
	"encoding/binary"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
)

// HandleInfo tags one startup handle with what it is for.
type HandleInfo uint32

// Well-known startup handle tags.
const (
	HandleVDSO HandleInfo = iota + 1
	HandleRootVirt
	HandleBootFS
	HandleLog
)

// StartupEntry is one (info, handle) pair of the startup-args packet; the
// order the parent wrote them in is preserved.
type StartupEntry struct {
	Info   HandleInfo
	Handle int
}

// StartupArgs is the packet a freshly spawned task receives on its init
// channel: tagged handles, then NUL-separated argv and environ.
type StartupArgs struct {
	Handles []StartupEntry
	Args    []string
	Environ []string
}

// The packet layout is little-endian: a version word, the handle entries,
// then two NUL-joined string blocks with byte lengths.
const startupVersion = 1

// Encode serializes the startup args into a channel packet buffer.
func (sa *StartupArgs) Encode() []byte {
	var buf bytes.Buffer
	put32 := func(v uint32) {
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], v)
		buf.Write(w[:])
	}
	put32(startupVersion)
	put32(uint32(len(sa.Handles)))
	for _, ent := range sa.Handles {
		put32(uint32(ent.Info))
		put32(uint32(ent.Handle))
	}
	argv := joinNul(sa.Args)
	env := joinNul(sa.Environ)
	put32(uint32(len(argv)))
	buf.Write(argv)
	put32(uint32(len(env)))
	buf.Write(env)
	return buf.Bytes()
}

// DecodeStartupArgs parses a startup-args packet buffer.
func DecodeStartupArgs(data []byte) (*StartupArgs, error) {
	r := bytes.NewReader(data)
	get32 := func() (uint32, error) {
		var w [4]byte
		if _, err := r.Read(w[:]); err != nil {
			return 0, kerr.InvalidArgument
		}
		return binary.LittleEndian.Uint32(w[:]), nil
	}
	ver, err := get32()
	if err != nil || ver != startupVersion {
		return nil, kerr.InvalidArgument
	}
	count, err := get32()
	if err != nil || int(count) > len(data) {
		return nil, kerr.InvalidArgument
	}
	sa := &StartupArgs{}
	for i := 0; i < int(count); i++ {
		info, err := get32()
		if err != nil {
			return nil, err
		}
		h, err := get32()
		if err != nil {
			return nil, err
		}
		sa.Handles = append(sa.Handles, StartupEntry{Info: HandleInfo(info), Handle: int(h)})
	}
	readBlock := func() ([]string, error) {
		n, err := get32()
		if err != nil {
			return nil, err
		}
		block := make([]byte, n)
		if n > 0 {
			if _, err := r.Read(block); err != nil {
				return nil, kerr.InvalidArgument
			}
		}
		return splitNul(block), nil
	}
	if sa.Args, err = readBlock(); err != nil {
		return nil, err
	}
	if sa.Environ, err = readBlock(); err != nil {
		return nil, err
	}
	return sa, nil
}

func joinNul(items []string) []byte {
	var buf bytes.Buffer
	for _, s := range items {
		buf.WriteString(s)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func splitNul(block []byte) []string {
	if len(block) == 0 {
		return nil
	}
	parts := bytes.Split(bytes.TrimSuffix(block, []byte{0}), []byte{0})
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		items = append(items, string(p))
	}
	return items
}
