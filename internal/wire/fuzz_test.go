package wire

import (
	"bytes"
	"testing"
)

// FuzzReadFrame feeds arbitrary bytes to the frame reader and the message
// decoders. None of them may panic, and a decoded envelope must re-encode
// to something that decodes to the same envelope.
func FuzzReadFrame(f *testing.F) {
	seeds := []*Envelope{
		{To: "fetch1y39e4tec9fll66x2k7wed5qn7zhaneayjm55kk", Sender: "fetch1ufjmhth6dnhrckxrvk05lmt8s2vture23xvwjl", Message: []byte("ping")},
		{To: "a", ProtocolID: "fetchai/default:1.0.0"},
		{},
	}
	for _, env := range seeds {
		var buf bytes.Buffer
		if err := WriteEnvelope(&buf, env); err != nil {
			f.Fatal(err)
		}
		f.Add(buf.Bytes())
	}
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})
	f.Add([]byte{0, 0, 0, 2, 0x0a})

	f.Fuzz(func(t *testing.T, data []byte) {
		payload, err := ReadFrameLimit(bytes.NewReader(data), 1<<16)
		if err != nil {
			return
		}
		_, _ = UnmarshalAcnMessage(payload)
		_, _ = UnmarshalAgentRecord(payload)

		env, err := UnmarshalEnvelope(payload)
		if err != nil {
			return
		}
		again, err := env.Marshal()
		if err != nil {
			t.Fatalf("re-encoding decoded envelope failed: %v", err)
		}
		back, err := UnmarshalEnvelope(again)
		if err != nil {
			t.Fatalf("decoding re-encoded envelope failed: %v", err)
		}
		if !back.Equal(env) {
			t.Fatalf("envelope changed across re-encoding: %s vs %s", back, env)
		}
	})
}
