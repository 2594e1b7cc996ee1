// Package wire implements the on-the-wire framing and payload encoding of
// the request/response router (C9, §4.9, §6 "Unix/TCP request socket").
//
// A frame is a 4-byte big-endian length L followed by L bytes of payload.
// The payload starts with a 1-byte protocol version, followed by a
// protobuf-encoded body. Fields are hand-mapped onto protobuf wire tags via
// google.golang.org/protobuf/encoding/protowire rather than generated
// message types, since the daemon has no .proto sources to generate from —
// mirroring the pack's direct proto.Marshal/Unmarshal usage but at the
// field level.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package wire

import (
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v3"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
)

// ProtocolVersion is the uncompressed payload version (§6).
const ProtocolVersion = 1

// ProtocolVersionLZ4 frames carry an lz4-compressed body. Large write-spec
// tag lists and monitor snapshots (many ResID strings) are the main
// beneficiaries; small requests like ping aren't worth compressing, so
// WriteFrameCompressed only switches to it above compressWorthLen.
const ProtocolVersionLZ4 = 2

// compressWorthLen is the body size below which lz4 framing overhead isn't
// worth paying; smaller bodies are sent as version 1 even when the caller
// asked for compression.
const compressWorthLen = 256

// MaxFrameLen bounds a single frame's payload, guarding against a corrupt
// or hostile length prefix forcing an unbounded allocation.
const MaxFrameLen = 64 << 20

// Request/Response field tags, stable across releases (§6).
const (
	fReqToken      = 1
	fReqKind       = 2
	fReqFamily     = 3
	fReqClientID   = 4
	fReqWriteSpec  = 5
	fReqReadIDs    = 6
	fReqReadNReq   = 7
	fReqMedia      = 8
	fReqPartial    = 9
	fReqNotify     = 10

	fWsNMedia   = 1
	fWsTags     = 2
	fWsGroup    = 3
	fWsLibrary  = 4
	fWsNoSplit  = 5
	fWsPreventD = 6
	fWsSize     = 7

	fNsAdded       = 1
	fNsIsDevice    = 2
	fNsPath        = 3
	fNsDeviceModel = 4
	fNsMediumType  = 5
	fNsFSType      = 6

	fRespToken   = 1
	fRespKind    = 2
	fRespErrno   = 3
	fRespMedia   = 4
	fRespMessage = 5
)

// ReadFrame reads one length-prefixed frame from r and returns its payload
// (version byte stripped and validated). Returns cmn.ErrProtoUnsupported if
// the payload declares an unrecognized version.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || int64(n) > MaxFrameLen {
		return nil, cmn.Errorf(cmn.KindBadMsg, "", "frame length %d out of bounds", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if len(buf) < 1 {
		return nil, cmn.Errorf(cmn.KindBadMsg, "", "empty payload")
	}
	switch buf[0] {
	case ProtocolVersion:
		return buf[1:], nil
	case ProtocolVersionLZ4:
		out, err := lz4Decompress(buf[1:])
		if err != nil {
			return nil, cmn.Errorf(cmn.KindBadMsg, "", "lz4 decompress: %v", err)
		}
		return out, nil
	default:
		return nil, cmn.Errorf(cmn.KindProtoUnsupported, "", "unsupported protocol version %d", buf[0])
	}
}

// WriteFrame writes one length-prefixed, version-1 (uncompressed) frame to w.
func WriteFrame(w io.Writer, body []byte) error {
	return writeFrameVersion(w, ProtocolVersion, body)
}

// WriteFrameCompressed writes body as a version-2 (lz4) frame when it is
// large enough to be worth the compression overhead, falling back to
// version 1 otherwise. The router (C9) frames every response with it; there
// is no per-peer negotiation (§6 "optional payload compression").
func WriteFrameCompressed(w io.Writer, body []byte) error {
	if len(body) < compressWorthLen {
		return writeFrameVersion(w, ProtocolVersion, body)
	}
	return writeFrameVersion(w, ProtocolVersionLZ4, lz4Compress(body))
}

func writeFrameVersion(w io.Writer, version byte, body []byte) error {
	payload := make([]byte, 1+len(body))
	payload[0] = version
	copy(payload[1:], body)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func lz4Compress(src []byte) []byte {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(src, buf, ht[:])
	if err != nil || n == 0 {
		// Incompressible or too small for the block format; the caller
		// still needs a self-describing length, so prefix it.
		return append(varintLen(len(src)), src...)
	}
	return append(varintLen(len(src)), buf[:n]...)
}

func lz4Decompress(src []byte) ([]byte, error) {
	origLen, n := protowire.ConsumeVarint(src)
	if n < 0 {
		return nil, cmn.Errorf(cmn.KindBadMsg, "", "malformed lz4 frame header")
	}
	src = src[n:]
	dst := make([]byte, origLen)
	m, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		// lz4Compress's incompressible fallback stores the raw payload.
		if int64(len(src)) == int64(origLen) {
			return append([]byte(nil), src...), nil
		}
		return nil, err
	}
	return dst[:m], nil
}

func varintLen(n int) []byte {
	return protowire.AppendVarint(nil, uint64(n))
}

func joinTags(tags []string) string { return strings.Join(tags, ",") }
func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// EncodeRequest serializes req's wire-relevant fields into a protobuf-shaped
// body (§3 "Request container", §6).
func EncodeRequest(req *model.Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, fReqToken, protowire.BytesType)
	b = protowire.AppendBytes(b, req.Token)
	b = protowire.AppendTag(b, fReqKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.Kind))
	b = protowire.AppendTag(b, fReqFamily, protowire.BytesType)
	b = protowire.AppendString(b, string(req.Family))
	b = protowire.AppendTag(b, fReqClientID, protowire.BytesType)
	b = protowire.AppendString(b, req.ClientID)
	b = protowire.AppendTag(b, fReqPartial, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(req.Partial))

	if ws := req.Write; ws != nil {
		var wb []byte
		wb = protowire.AppendTag(wb, fWsNMedia, protowire.VarintType)
		wb = protowire.AppendVarint(wb, uint64(ws.NMedia))
		for _, tags := range ws.TagsPerMedium {
			wb = protowire.AppendTag(wb, fWsTags, protowire.BytesType)
			wb = protowire.AppendString(wb, joinTags(tags))
		}
		wb = protowire.AppendTag(wb, fWsGroup, protowire.BytesType)
		wb = protowire.AppendString(wb, ws.Group)
		wb = protowire.AppendTag(wb, fWsLibrary, protowire.BytesType)
		wb = protowire.AppendString(wb, ws.LibraryRestrict)
		wb = protowire.AppendTag(wb, fWsNoSplit, protowire.VarintType)
		wb = protowire.AppendVarint(wb, boolToVarint(ws.NoSplit))
		wb = protowire.AppendTag(wb, fWsPreventD, protowire.VarintType)
		wb = protowire.AppendVarint(wb, boolToVarint(ws.PreventDuplicate))
		wb = protowire.AppendTag(wb, fWsSize, protowire.VarintType)
		wb = protowire.AppendVarint(wb, uint64(ws.SizeBytes))

		b = protowire.AppendTag(b, fReqWriteSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, wb)
	}

	if rl := req.Read; rl != nil {
		for _, id := range rl.Free() {
			b = protowire.AppendTag(b, fReqReadIDs, protowire.BytesType)
			b = protowire.AppendString(b, id.String())
		}
		b = protowire.AppendTag(b, fReqReadNReq, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(rl.NRequired))
	}

	for _, id := range req.Media {
		b = protowire.AppendTag(b, fReqMedia, protowire.BytesType)
		b = protowire.AppendString(b, id.String())
	}

	if ns := req.Notify; ns != nil {
		var nb []byte
		nb = protowire.AppendTag(nb, fNsAdded, protowire.VarintType)
		nb = protowire.AppendVarint(nb, boolToVarint(ns.Added))
		nb = protowire.AppendTag(nb, fNsIsDevice, protowire.VarintType)
		nb = protowire.AppendVarint(nb, boolToVarint(ns.IsDevice))
		nb = protowire.AppendTag(nb, fNsPath, protowire.BytesType)
		nb = protowire.AppendString(nb, ns.Path)
		nb = protowire.AppendTag(nb, fNsDeviceModel, protowire.BytesType)
		nb = protowire.AppendString(nb, ns.DeviceModel)
		nb = protowire.AppendTag(nb, fNsMediumType, protowire.BytesType)
		nb = protowire.AppendString(nb, ns.MediumType)
		nb = protowire.AppendTag(nb, fNsFSType, protowire.VarintType)
		nb = protowire.AppendVarint(nb, uint64(ns.FSType))

		b = protowire.AppendTag(b, fReqNotify, protowire.BytesType)
		b = protowire.AppendBytes(b, nb)
	}

	return b
}

// DecodeRequest parses a wire body produced by EncodeRequest back into a
// *model.Request. Returns cmn.ErrBadMsg on any malformed field (§4.9
// "malformed messages yield an error response carrying EINVAL").
func DecodeRequest(body []byte) (*model.Request, error) {
	req := &model.Request{}
	var writeBody []byte
	var notifyBody []byte
	var readIDs []string
	nReadReq := 0

	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, cmn.Errorf(cmn.KindBadMsg, "", "malformed tag")
		}
		body = body[n:]

		switch num {
		case fReqToken:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			req.Token = append([]byte(nil), v...)
			body = body[m:]
		case fReqKind:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			req.Kind = model.Kind(v)
			body = body[m:]
		case fReqFamily:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			req.Family = cmn.Family(v)
			body = body[m:]
		case fReqClientID:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			req.ClientID = string(v)
			body = body[m:]
		case fReqPartial:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			req.Partial = v != 0
			body = body[m:]
		case fReqWriteSpec:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			writeBody = append([]byte(nil), v...)
			body = body[m:]
		case fReqReadIDs:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			readIDs = append(readIDs, string(v))
			body = body[m:]
		case fReqReadNReq:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			nReadReq = int(v)
			body = body[m:]
		case fReqMedia:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			id, err := parseResID(string(v))
			if err != nil {
				return nil, err
			}
			req.Media = append(req.Media, id)
			body = body[m:]
		case fReqNotify:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			notifyBody = append([]byte(nil), v...)
			body = body[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, body)
			if m < 0 {
				return nil, cmn.Errorf(cmn.KindBadMsg, "", "malformed unknown field")
			}
			body = body[m:]
		}
	}

	if writeBody != nil {
		ws, err := decodeWriteSpec(writeBody)
		if err != nil {
			return nil, err
		}
		req.Write = ws
	}
	if notifyBody != nil {
		ns, err := decodeNotifySpec(notifyBody)
		if err != nil {
			return nil, err
		}
		req.Notify = ns
	}
	if len(readIDs) > 0 || nReadReq > 0 {
		ids := make([]cmn.ResID, 0, len(readIDs))
		for _, s := range readIDs {
			id, err := parseResID(s)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		req.Read = model.NewReadMediaList(ids, nReadReq)
	}
	return req, nil
}

func decodeWriteSpec(body []byte) (*model.WriteSpec, error) {
	ws := &model.WriteSpec{}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, cmn.Errorf(cmn.KindBadMsg, "", "malformed write-spec tag")
		}
		body = body[n:]
		switch num {
		case fWsNMedia:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			ws.NMedia = int(v)
			body = body[m:]
		case fWsTags:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			ws.TagsPerMedium = append(ws.TagsPerMedium, splitTags(string(v)))
			body = body[m:]
		case fWsGroup:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			ws.Group = string(v)
			body = body[m:]
		case fWsLibrary:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			ws.LibraryRestrict = string(v)
			body = body[m:]
		case fWsNoSplit:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			ws.NoSplit = v != 0
			body = body[m:]
		case fWsPreventD:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			ws.PreventDuplicate = v != 0
			body = body[m:]
		case fWsSize:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			ws.SizeBytes = int64(v)
			body = body[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, body)
			if m < 0 {
				return nil, cmn.Errorf(cmn.KindBadMsg, "", "malformed unknown write-spec field")
			}
			body = body[m:]
		}
	}
	return ws, nil
}

func decodeNotifySpec(body []byte) (*model.NotifySpec, error) {
	ns := &model.NotifySpec{}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, cmn.Errorf(cmn.KindBadMsg, "", "malformed notify-spec tag")
		}
		body = body[n:]
		switch num {
		case fNsAdded:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			ns.Added = v != 0
			body = body[m:]
		case fNsIsDevice:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			ns.IsDevice = v != 0
			body = body[m:]
		case fNsPath:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			ns.Path = string(v)
			body = body[m:]
		case fNsDeviceModel:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			ns.DeviceModel = string(v)
			body = body[m:]
		case fNsMediumType:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			ns.MediumType = string(v)
			body = body[m:]
		case fNsFSType:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			ns.FSType = model.FSType(v)
			body = body[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, body)
			if m < 0 {
				return nil, cmn.Errorf(cmn.KindBadMsg, "", "malformed unknown notify-spec field")
			}
			body = body[m:]
		}
	}
	return ns, nil
}

// Response is the wire-level shape of a finished request (§3, §7).
type Response struct {
	Token   []byte
	Kind    model.Kind
	Errno   int32
	Media   []cmn.ResID
	Message string
}

// EncodeResponse serializes a Response (§7 "user-visible failure" / success).
func EncodeResponse(r *Response) []byte {
	var b []byte
	b = protowire.AppendTag(b, fRespToken, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Token)
	b = protowire.AppendTag(b, fRespKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	b = protowire.AppendTag(b, fRespErrno, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(r.Errno)))
	for _, id := range r.Media {
		b = protowire.AppendTag(b, fRespMedia, protowire.BytesType)
		b = protowire.AppendString(b, id.String())
	}
	if r.Message != "" {
		b = protowire.AppendTag(b, fRespMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	return b
}

// DecodeResponse parses a wire body produced by EncodeResponse.
func DecodeResponse(body []byte) (*Response, error) {
	r := &Response{}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, cmn.Errorf(cmn.KindBadMsg, "", "malformed tag")
		}
		body = body[n:]
		switch num {
		case fRespToken:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			r.Token = append([]byte(nil), v...)
			body = body[m:]
		case fRespKind:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			r.Kind = model.Kind(v)
			body = body[m:]
		case fRespErrno:
			v, m, err := consumeVarint(body, typ)
			if err != nil {
				return nil, err
			}
			r.Errno = int32(uint32(v))
			body = body[m:]
		case fRespMedia:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			id, err := parseResID(string(v))
			if err != nil {
				return nil, err
			}
			r.Media = append(r.Media, id)
			body = body[m:]
		case fRespMessage:
			v, m, err := consumeBytes(body, typ)
			if err != nil {
				return nil, err
			}
			r.Message = string(v)
			body = body[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, body)
			if m < 0 {
				return nil, cmn.Errorf(cmn.KindBadMsg, "", "malformed unknown field")
			}
			body = body[m:]
		}
	}
	return r, nil
}

func consumeBytes(body []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, cmn.Errorf(cmn.KindBadMsg, "", "expected bytes-typed field")
	}
	v, n := protowire.ConsumeBytes(body)
	if n < 0 {
		return nil, 0, cmn.Errorf(cmn.KindBadMsg, "", "malformed bytes field")
	}
	return v, n, nil
}

func consumeVarint(body []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, cmn.Errorf(cmn.KindBadMsg, "", "expected varint-typed field")
	}
	v, n := protowire.ConsumeVarint(body)
	if n < 0 {
		return 0, 0, cmn.Errorf(cmn.KindBadMsg, "", "malformed varint field")
	}
	return v, n, nil
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// parseResID reverses cmn.ResID.String()'s "family:library:name" layout.
func parseResID(s string) (cmn.ResID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return cmn.ResID{}, cmn.Errorf(cmn.KindBadMsg, "", "malformed resource identifier %s", strconv.Quote(s))
	}
	return cmn.ResID{Family: cmn.Family(parts[0]), Library: parts[1], Name: parts[2]}, nil
}
