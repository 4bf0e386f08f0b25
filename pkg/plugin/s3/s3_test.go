package s3

import "testing"

func TestNew_RejectsMissingBucket(t *testing.T) {
	if _, err := New(map[string]string{"size": "1048576"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestNew_RejectsMissingSize(t *testing.T) {
	if _, err := New(map[string]string{"bucket": "my-bucket"}); err == nil {
		t.Fatal("expected error for missing size")
	}
}

func TestChunkKey_IsStableAndPrefixed(t *testing.T) {
	p := &Plugin{keyPrefix: "blocks/"}
	if got, want := p.chunkKey(0), "blocks/0000000000000000"; got != want {
		t.Errorf("chunkKey(0) = %q, want %q", got, want)
	}
	if got, want := p.chunkKey(255), "blocks/00000000000000ff"; got != want {
		t.Errorf("chunkKey(255) = %q, want %q", got, want)
	}
}

func TestForEachChunk_SplitsAcrossBoundaries(t *testing.T) {
	p := &Plugin{chunkSize: 16}
	buf := make([]byte, 40)
	for i := range buf {
		buf[i] = byte(i)
	}

	var calls []struct{ idx, off, n uint64 }
	err := p.forEachChunk(buf, 10, func(chunkIdx, chunkOff uint64, span []byte) error {
		calls = append(calls, struct{ idx, off, n uint64 }{chunkIdx, chunkOff, uint64(len(span))})
		return nil
	})
	if err != nil {
		t.Fatalf("forEachChunk: %v", err)
	}

	// offset 10, length 40 over chunkSize 16: chunk0[10:16)=6, chunk1[0:16)=16, chunk2[0:16)=16, chunk3[0:2)=2
	want := []struct{ idx, off, n uint64 }{
		{0, 10, 6},
		{1, 0, 16},
		{2, 0, 16},
		{3, 0, 2},
	}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d: %+v", len(calls), len(want), calls)
	}
	for i, c := range calls {
		if c != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, c, want[i])
		}
	}
}

func TestIsNotFoundError(t *testing.T) {
	cases := map[string]bool{
		"NoSuchKey: the key does not exist":  true,
		"operation error S3: GetObject, https response error StatusCode: 404": true,
		"context deadline exceeded":                                           false,
	}
	for msg, want := range cases {
		if got := isNotFoundError(errString(msg)); got != want {
			t.Errorf("isNotFoundError(%q) = %v, want %v", msg, got, want)
		}
	}
	if isNotFoundError(nil) {
		t.Error("isNotFoundError(nil) should be false")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
