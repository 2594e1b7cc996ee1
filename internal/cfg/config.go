// Package cfg implements the three-level configuration lookup from spec.md
// §6: process environment overrides a plain file, which overrides an
// optional DSS-backed global store. It is modeled on the teacher's
// cmn.GCO: a process-wide, reference-counted, lock-protected holder handing
// out copy-on-load snapshots rather than a mutable global struct (§9 design
// note "Global context as mutable module state").
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package cfg

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cea-hpc/phobos/internal/cmn"
)

// SyncThresholds are the per-family sync-batcher trigger values (§4.8, §6).
type SyncThresholds struct {
	NbReq   int           // sync_nb_req
	WSizeKB int64         // sync_wsize_kb
	TimeMS  time.Duration // sync_time_ms
}

// IOSchedAlgos names the selected algorithm per scheduler kind for one family (§6 io_sched_<fam>).
type IOSchedAlgos struct {
	Read   string // read_algo
	Write  string // write_algo
	Format string // format_algo
}

// TLCEndpoint is a tape library controller endpoint (§6 tlc_<lib>).
type TLCEndpoint struct {
	Hostname        string
	Port            int
	ListenInterface string
}

// DeviceConfig is one statically-configured device this host owns, read
// from lrs.devices (§6 daemon lifecycle: "lock all configured devices in
// DSS" — the DSS itself has no "devices for this host" query in the core
// interface, §6 "DSS database interface", so the daemon is told which
// devices are its own the same way it's told which families to serve).
type DeviceConfig struct {
	ID    cmn.ResID
	Path  string
	Model string
}

// Config is the fully resolved, immutable snapshot handed out by GCO.Get().
// Mutating it in place is a bug: callers that need a change must build a new
// Config and GCO.Put it.
type Config struct {
	Families      []cmn.Family
	ServerSocket  string
	AdminListen   string // HTTP admin/monitor listener, ambient addition (§A.5)
	LockFile      string
	DSSPath       string // embedded buntdb-backed DSS file, when lrs.dss_path is set instead of a remote DSS
	MountPrefix   string
	Policy        string // "best_fit" | "first_fit"
	MaxHealth     int
	Sync          map[cmn.Family]SyncThresholds
	IOSched       map[cmn.Family]IOSchedAlgos
	TLC           map[string]TLCEndpoint
	SchedPriority []string // default: write, read, format
	StarvationK   int      // every K iterations, elevate read (§4.6)
	PollInterval  time.Duration
	SCSIMoveTO    time.Duration
	SCSIQueryTO   time.Duration
	RetryAttempts int
	RetryBaseWait time.Duration
	Devices       []DeviceConfig
}

// Default returns sane defaults matching spec.md §6/§8 scenario defaults.
func Default() *Config {
	return &Config{
		Families:      []cmn.Family{cmn.FamilyDirectory},
		ServerSocket:  "/var/run/phobos_lrs.sock",
		AdminListen:   "127.0.0.1:8808",
		LockFile:      "/var/run/phobos_lrs.lock",
		DSSPath:       "/var/lib/phobos/dss.db",
		MountPrefix:   "/mnt/phobos",
		Policy:        "best_fit",
		MaxHealth:     1,
		Sync:          map[cmn.Family]SyncThresholds{},
		IOSched:       map[cmn.Family]IOSchedAlgos{},
		TLC:           map[string]TLCEndpoint{},
		SchedPriority: []string{"write", "read", "format"},
		StarvationK:   8,
		PollInterval:  100 * time.Millisecond,
		SCSIMoveTO:    5 * time.Minute,
		SCSIQueryTO:   1 * time.Second,
		RetryAttempts: 3,
		RetryBaseWait: 200 * time.Millisecond,
	}
}

func (c *Config) SyncFor(f cmn.Family) SyncThresholds {
	if t, ok := c.Sync[f]; ok {
		return t
	}
	return SyncThresholds{NbReq: 32, WSizeKB: 1 << 20, TimeMS: 10 * time.Second}
}

func (c *Config) AlgosFor(f cmn.Family) IOSchedAlgos {
	if a, ok := c.IOSched[f]; ok {
		return a
	}
	return IOSchedAlgos{Read: "fifo", Write: "fifo", Format: "fifo"}
}

// globalOwner is GCO: process-wide, refcounted, lock-protected.
type globalOwner struct {
	mu   sync.RWMutex
	cur  *Config
	refs int32
}

var gco = &globalOwner{cur: Default()}

// GCO exposes the process-wide configuration owner.
var GCO = gco

// Get returns the current immutable snapshot. Callers must not mutate it.
func (g *globalOwner) Get() *Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cur
}

// Put installs a new snapshot atomically (copy-on-write: readers holding the
// previous *Config keep observing it).
func (g *globalOwner) Put(c *Config) {
	g.mu.Lock()
	g.cur = c
	g.mu.Unlock()
}

// AcquireRef/ReleaseRef track the global-context lifecycle (§3 "Global
// context", §9): created at first context-init, destroyed at last
// context-finish.
func (g *globalOwner) AcquireRef() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refs++
	return g.refs
}

func (g *globalOwner) ReleaseRef() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refs--
	return g.refs
}

// Load implements the three-level lookup of §6: env (PHOBOS_<SECTION>_<key>)
// overrides the INI file (default /etc/phobos.conf or $PHOBOS_CFG_FILE)
// overrides a DSS-backed store supplied by the caller (optional: nil when
// the cluster carries no global overrides yet).
func Load(dssOverrides map[string]string) (*Config, error) {
	c := Default()

	path := os.Getenv("PHOBOS_CFG_FILE")
	if path == "" {
		path = "/etc/phobos.conf"
	}
	fileKV, err := parseINI(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, cmn.NewError(cmn.KindInvalid, "", fmt.Errorf("load config %s: %w", path, err))
	}

	// Merge order: DSS (lowest) < file < env (highest), each applied in turn.
	applyKV(c, dssOverrides)
	applyKV(c, fileKV)
	applyKV(c, envKV())

	return c, nil
}

// parseINI reads a minimal "[section]\nkey = value" file into "section.key" keys.
func parseINI(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]string{}
	section := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if section != "" {
			key = section + "." + key
		}
		out[key] = val
	}
	return out, sc.Err()
}

// envKV scans the process environment for PHOBOS_<SECTION>_<KEY> and maps it
// down to the same "section.key" shape used by applyKV, lower-cased to match
// the INI convention.
func envKV() map[string]string {
	out := map[string]string{}
	const prefix = "PHOBOS_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		rest := strings.TrimPrefix(parts[0], prefix)
		idx := strings.Index(rest, "_")
		if idx < 0 {
			continue
		}
		section := strings.ToLower(rest[:idx])
		key := strings.ToLower(rest[idx+1:])
		out[section+"."+key] = parts[1]
	}
	return out
}

func applyKV(c *Config, kv map[string]string) {
	for k, v := range kv {
		switch k {
		case "lrs.families":
			c.Families = c.Families[:0]
			for _, f := range strings.Split(v, ",") {
				c.Families = append(c.Families, cmn.Family(strings.TrimSpace(f)))
			}
		case "lrs.server_socket":
			c.ServerSocket = v
		case "lrs.admin_listen":
			c.AdminListen = v
		case "lrs.lock_file":
			c.LockFile = v
		case "lrs.dss_path":
			c.DSSPath = v
		case "lrs.mount_prefix":
			c.MountPrefix = v
		case "lrs.policy":
			c.Policy = v
		case "lrs.max_health":
			if n, err := strconv.Atoi(v); err == nil {
				c.MaxHealth = n
			}
		case "lrs.devices":
			c.Devices = parseDevices(v)
		default:
			applySyncOrAlgoOrTLC(c, k, v)
		}
	}
}

// parseDevices parses "family:library:name@path:model" entries, comma
// separated (§6 lrs.devices, see DeviceConfig). Malformed entries are
// skipped rather than aborting the whole load, since one bad line shouldn't
// prevent every other configured device from starting.
func parseDevices(v string) []DeviceConfig {
	var out []DeviceConfig
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idPart, rest, ok := strings.Cut(entry, "@")
		if !ok {
			continue
		}
		idFields := strings.SplitN(idPart, ":", 3)
		if len(idFields) != 3 {
			continue
		}
		path, model := rest, ""
		if p, m, ok := strings.Cut(rest, ":"); ok {
			path, model = p, m
		}
		out = append(out, DeviceConfig{
			ID:    cmn.ResID{Family: cmn.Family(idFields[0]), Library: idFields[1], Name: idFields[2]},
			Path:  path,
			Model: model,
		})
	}
	return out
}

func applySyncOrAlgoOrTLC(c *Config, k, v string) {
	switch {
	case strings.HasPrefix(k, "lrs.sync_time_ms."):
		fam := cmn.Family(strings.TrimPrefix(k, "lrs.sync_time_ms."))
		t := c.Sync[fam]
		if ms, err := strconv.Atoi(v); err == nil {
			t.TimeMS = time.Duration(ms) * time.Millisecond
		}
		c.Sync[fam] = t
	case strings.HasPrefix(k, "lrs.sync_nb_req."):
		fam := cmn.Family(strings.TrimPrefix(k, "lrs.sync_nb_req."))
		t := c.Sync[fam]
		if n, err := strconv.Atoi(v); err == nil {
			t.NbReq = n
		}
		c.Sync[fam] = t
	case strings.HasPrefix(k, "lrs.sync_wsize_kb."):
		fam := cmn.Family(strings.TrimPrefix(k, "lrs.sync_wsize_kb."))
		t := c.Sync[fam]
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.WSizeKB = n
		}
		c.Sync[fam] = t
	case strings.HasPrefix(k, "io_sched_"):
		applyIOSched(c, k, v)
	case strings.HasPrefix(k, "tlc_"):
		applyTLC(c, k, v)
	}
}

func applyIOSched(c *Config, k, v string) {
	rest := strings.TrimPrefix(k, "io_sched_")
	dot := strings.LastIndex(rest, ".")
	if dot < 0 {
		return
	}
	fam := cmn.Family(rest[:dot])
	field := rest[dot+1:]
	a := c.IOSched[fam]
	switch field {
	case "read_algo":
		a.Read = v
	case "write_algo":
		a.Write = v
	case "format_algo":
		a.Format = v
	}
	c.IOSched[fam] = a
}

func applyTLC(c *Config, k, v string) {
	rest := strings.TrimPrefix(k, "tlc_")
	dot := strings.LastIndex(rest, ".")
	if dot < 0 {
		return
	}
	lib := rest[:dot]
	field := rest[dot+1:]
	e := c.TLC[lib]
	switch field {
	case "hostname":
		e.Hostname = v
	case "port":
		if n, err := strconv.Atoi(v); err == nil {
			e.Port = n
		}
	case "listen_interface":
		e.ListenInterface = v
	}
	c.TLC[lib] = e
}
