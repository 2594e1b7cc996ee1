package wire

import (
	"bytes"
	"testing"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello")
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("got %q want %q", got, body)
	}
}

func TestFrameRoundTripCompressed(t *testing.T) {
	var buf bytes.Buffer
	body := bytes.Repeat([]byte("phobos-read-media-list-entry;"), 64)
	if err := WriteFrameCompressed(&buf, body); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("got %d bytes want %d bytes", len(got), len(body))
	}
}

func TestFrameCompressedFallsBackBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("ping")
	if err := WriteFrameCompressed(&buf, body); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("got %q want %q", got, body)
	}
}

func TestReadFrameRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{9, 'x'} // version 9, unsupported
	var lenBuf [4]byte
	lenBuf[3] = byte(len(payload))
	buf.Write(lenBuf[:])
	buf.Write(payload)

	_, err := ReadFrame(&buf)
	if cmn.KindOf(err) != cmn.KindProtoUnsupported {
		t.Fatalf("expected KindProtoUnsupported, got %v", cmn.KindOf(err))
	}
}

func TestEncodeDecodeRequestWriteAllocate(t *testing.T) {
	req := &model.Request{
		Token:    []byte("tok-1"),
		Kind:     model.KindWriteAllocate,
		Family:   cmn.FamilyDirectory,
		ClientID: "client-a",
		Write: &model.WriteSpec{
			NMedia:           1,
			TagsPerMedium:    [][]string{{"fast", "ssd"}},
			Group:            "grp1",
			LibraryRestrict:  "lib0",
			NoSplit:          true,
			PreventDuplicate: true,
			SizeBytes:        4096,
		},
	}

	body := EncodeRequest(req)
	got, err := DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Token, req.Token) || got.Kind != req.Kind || got.Family != req.Family || got.ClientID != req.ClientID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Write == nil || got.Write.NMedia != 1 || got.Write.SizeBytes != 4096 || !got.Write.NoSplit || !got.Write.PreventDuplicate {
		t.Fatalf("write spec round trip mismatch: %+v", got.Write)
	}
	if len(got.Write.TagsPerMedium) != 1 || got.Write.TagsPerMedium[0][0] != "fast" || got.Write.TagsPerMedium[0][1] != "ssd" {
		t.Fatalf("tags round trip mismatch: %+v", got.Write.TagsPerMedium)
	}
}

func TestEncodeDecodeRequestReadAllocate(t *testing.T) {
	m1 := cmn.ResID{Family: cmn.FamilyTape, Name: "m1", Library: "lib0"}
	m2 := cmn.ResID{Family: cmn.FamilyTape, Name: "m2", Library: "lib0"}
	req := &model.Request{
		Kind:   model.KindReadAllocate,
		Family: cmn.FamilyTape,
		Read:   model.NewReadMediaList([]cmn.ResID{m1, m2}, 1),
	}

	body := EncodeRequest(req)
	got, err := DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if got.Read == nil || got.Read.NRequired != 1 || got.Read.NFree() != 2 {
		t.Fatalf("read list round trip mismatch: %+v", got.Read)
	}
}

func TestEncodeDecodeRequestNotifyAdded(t *testing.T) {
	devID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	req := &model.Request{
		Kind:   model.KindNotify,
		Media:  []cmn.ResID{devID},
		Notify: &model.NotifySpec{Added: true, IsDevice: true, Path: "/dev/d1", DeviceModel: "dir"},
	}

	body := EncodeRequest(req)
	got, err := DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if got.Notify == nil || !got.Notify.Added || !got.Notify.IsDevice {
		t.Fatalf("notify spec round trip mismatch: %+v", got.Notify)
	}
	if got.Notify.Path != "/dev/d1" || got.Notify.DeviceModel != "dir" {
		t.Fatalf("notify spec field mismatch: %+v", got.Notify)
	}
	if len(got.Media) != 1 || got.Media[0] != devID {
		t.Fatalf("expected the target resource id round-tripped, got %+v", got.Media)
	}
}

func TestDecodeRequestRejectsTruncatedBody(t *testing.T) {
	body := EncodeRequest(&model.Request{Kind: model.KindPing})
	_, err := DecodeRequest(body[:len(body)-1])
	if cmn.KindOf(err) != cmn.KindBadMsg {
		t.Fatalf("expected KindBadMsg for truncated body, got %v (err=%v)", cmn.KindOf(err), err)
	}
}

func TestEncodeDecodeResponse(t *testing.T) {
	med := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	resp := &Response{
		Token:   []byte("tok-2"),
		Kind:    model.KindWriteAllocate,
		Errno:   0,
		Media:   []cmn.ResID{med},
		Message: "",
	}
	body := EncodeResponse(resp)
	got, err := DecodeResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Token, resp.Token) || got.Kind != resp.Kind || len(got.Media) != 1 || got.Media[0] != med {
		t.Fatalf("response round trip mismatch: %+v", got)
	}
}

func TestEncodeDecodeResponseError(t *testing.T) {
	resp := &Response{Kind: model.KindFormat, Errno: cmn.KindIO.Errno(), Message: "medium failed"}
	body := EncodeResponse(resp)
	got, err := DecodeResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if got.Errno != cmn.KindIO.Errno() || got.Message != "medium failed" {
		t.Fatalf("error response round trip mismatch: %+v", got)
	}
}
