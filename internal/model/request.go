package model

import "github.com/cea-hpc/phobos/internal/cmn"

// Kind enumerates the request kinds of §3 "Request container".
type Kind int

const (
	KindWriteAllocate Kind = iota
	KindReadAllocate
	KindReleaseRead
	KindReleaseWrite
	KindFormat
	KindNotify
	KindMonitor
	KindConfigure
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindWriteAllocate:
		return "write-allocate"
	case KindReadAllocate:
		return "read-allocate"
	case KindReleaseRead:
		return "release-read"
	case KindReleaseWrite:
		return "release-write"
	case KindFormat:
		return "format"
	case KindNotify:
		return "notify"
	case KindMonitor:
		return "monitor"
	case KindConfigure:
		return "configure"
	case KindPing:
		return "ping"
	default:
		return "unknown"
	}
}

// WriteSpec describes one write-allocate request's constraints (§3).
type WriteSpec struct {
	NMedia            int
	TagsPerMedium      [][]string
	Group              string
	LibraryRestrict    string
	NoSplit            bool
	PreventDuplicate   bool
	SizeBytes          int64
	Family             cmn.Family
}

// NotifySpec discriminates the two notify operations of §3/§4.1: a resource
// newly added by the admin (the registry learns about it for the first
// time) versus one being marked failed/removed (already known, just taken
// out of service). Media[0] on the owning Request names the resource; the
// remaining fields are only meaningful when Added is set, since a removed
// resource's registry record already has them.
type NotifySpec struct {
	Added       bool
	IsDevice    bool   // Media[0] names a device id rather than a medium id
	Path        string // device mount path, when IsDevice
	DeviceModel string // device model string, when IsDevice
	MediumType  string // medium type (e.g. "tape", "dir"), when !IsDevice
	FSType      FSType // medium filesystem type, when !IsDevice
}

// Request is a client request plus the transport token needed to route its
// response (§3 "Request container").
type Request struct {
	Token    []byte // opaque client token, echoed verbatim in the response
	Kind     Kind
	Family   cmn.Family
	ClientID string // for per-client FIFO ordering within a type (§4.6)

	Write  *WriteSpec   // set when Kind == KindWriteAllocate
	Read   *ReadMediaList // set when Kind == KindReadAllocate
	Notify *NotifySpec  // set when Kind == KindNotify
	Media []cmn.ResID     // format: single entry; release/notify: the resource(s) targeted
	Partial bool          // release-read/write "partial" flag

	// satisfied tracks how many of the request's media slots have been
	// allocated so far; the response is emitted only when this equals the
	// required count or a slot definitively fails (§3 "Sub-request").
	satisfied int
	failed    bool
	subs      []*SubRequest
}

func (r *Request) NRequired() int {
	if r.Write != nil {
		return r.Write.NMedia
	}
	if r.Read != nil {
		return r.Read.NRequired
	}
	return 1
}

func (r *Request) Done() bool {
	return r.failed || r.satisfied >= r.NRequired()
}

func (r *Request) MarkSatisfied() { r.satisfied++ }
func (r *Request) MarkFailed()    { r.failed = true }
func (r *Request) Failed() bool   { return r.failed }

func (r *Request) AddSub(s *SubRequest) { r.subs = append(r.subs, s) }
func (r *Request) Subs() []*SubRequest  { return r.subs }

// SetMedium records the medium chosen for slot index, growing Media as
// needed. Write-allocate requests start with an empty Media slice; the
// scheduler populates it one slot at a time as get-device-medium-pair picks
// each medium (§4.5).
func (r *Request) SetMedium(index int, id cmn.ResID) {
	for len(r.Media) <= index {
		r.Media = append(r.Media, cmn.ResID{})
	}
	r.Media[index] = id
}

// SubRequest is a single (device, medium-index) assignment carved out of a
// request container (§3 "Sub-request").
type SubRequest struct {
	Parent      *Request
	Device      cmn.ResID
	MediumIndex int   // index into Parent.Media, or the chosen Free-list slot
	Medium      cmn.ResID
	IsRetry     bool
	Err         error
	Released    bool // carried on the record; no code in this tree sets or reads it, so a repeated release is not rejected
}
