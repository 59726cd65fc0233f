// Package config loads the line-oriented "name: value" configuration
// file format (§6, §9) into a typed Config, and exposes the same option
// set as a declarative table so the defaults, the recognized names and
// their help strings live in one source of truth (the "X-macro" design
// note). The binaries' -h/--help output does not list these options.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/pelikan-go/storectl/internal/cuckoo"
	"github.com/pelikan-go/storectl/internal/slab"
)

// optionKind tags how an OptionDef's default/value should be parsed.
type optionKind int

const (
	kindString optionKind = iota
	kindInt
	kindBool
)

// OptionDef is one row of the declarative option table: the Go analogue
// of original_source's OPTION_DECLARE/OPTION_INIT macro pair.
type OptionDef struct {
	Name    string
	Kind    optionKind
	Default string
	Help    string
}

// OptionTable is the single source of truth for every recognized
// "name: value" line; Default builds a Config from it and Parse accepts
// exactly its names. Nothing in cmd/* renders it as usage text.
var OptionTable = []OptionDef{
	{"daemonize", kindBool, "false", "fork into background (unsupported in this build; parsed and ignored)"},
	{"pid_filename", kindString, "", "PID file path (unsupported in this build; no PID file is written)"},
	{"server_host", kindString, "0.0.0.0", "data port listen host"},
	{"server_port", kindInt, "0", "data port listen port (binary-specific default if 0)"},
	{"admin_host", kindString, "0.0.0.0", "admin port listen host"},
	{"admin_port", kindInt, "9999", "admin port listen port"},
	{"cuckoo_policy", kindString, "random", "cuckoo eviction policy: random or expire"},
	{"cuckoo_item_size", kindInt, "64", "cuckoo slot size in bytes"},
	{"cuckoo_nitem", kindInt, "1048576", "cuckoo table slot count"},
	{"cuckoo_displace", kindInt, "2", "cuckoo max displacement depth"},
	{"slab_size", kindInt, "1048576", "bytes per slab allocation"},
	{"slab_mem", kindInt, "67108864", "total slab memory budget in bytes"},
	{"slab_prealloc", kindBool, "false", "preallocate the full slab budget at startup (unsupported in this build)"},
	{"slab_evict_opt", kindString, "lru", "eviction policy: none, random, lru, or expired_first"},
	{"slab_use_freeq", kindBool, "true", "reuse freed chunks before carving new ones (always on in this build; the value is ignored)"},
	{"slab_use_cas", kindBool, "true", "enable CAS bookkeeping on stored items (always on in this build; the value is ignored)"},
	{"max_conns", kindInt, "1024", "capacity of the SPSC ring of accepted connections awaiting the worker (rounded up to a power of two); the number of open connections is not capped"},
	{"buf_init_size", kindInt, "4096", "initial per-connection buffer size"},
	{"dbuf_max_power", kindInt, "8", "output buffer doubles up to buf_init_size*2^dbuf_max_power"},
	{"klog_file", kindString, "", "command log file (unsupported in this build)"},
	{"klog_nbuf", kindInt, "0", "command log buffer count (unsupported in this build)"},
	{"klog_intvl", kindInt, "0", "command log flush interval, ms (unsupported in this build)"},
	{"klog_sample", kindInt, "0", "command log sampling rate (unsupported in this build)"},
}

// Config is the typed result of parsing a configuration file; unset
// options take OptionTable's declared default.
type Config struct {
	Daemonize      bool
	PidFilename    string
	ServerHost     string
	ServerPort     int
	AdminHost      string
	AdminPort      int
	CuckooPolicy   string
	CuckooItemSize int
	CuckooNItem    int
	CuckooDisplace int
	SlabSize       int
	SlabMem        int
	SlabPrealloc   bool
	SlabEvictOpt   string
	SlabUseFreeq   bool
	SlabUseCas     bool
	MaxConns       int
	BufInitSize    int
	DbufMaxPower   int
	KlogFile       string
	KlogNbuf       int
	KlogIntvl      int
	KlogSample     int
}

// Default returns the Config implied by OptionTable's defaults alone.
func Default() Config {
	raw := make(map[string]string, len(OptionTable))
	for _, o := range OptionTable {
		raw[o.Name] = o.Default
	}
	cfg, err := fromRaw(raw)
	if err != nil {
		// OptionTable's own defaults are a programming invariant, not
		// user input; a parse failure here is a bug in this file.
		panic(err)
	}
	return cfg
}

// Load reads a "name: value" configuration file, overlaying OptionTable's
// defaults with whatever names it recognizes; blank lines and lines
// starting with '#' are ignored. An unrecognized option name is a usage
// error (§6 exit code 64).
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: open %s", path)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the "name: value" format from r.
func Parse(r io.Reader) (Config, error) {
	known := make(map[string]OptionDef, len(OptionTable))
	raw := make(map[string]string, len(OptionTable))
	for _, o := range OptionTable {
		known[o.Name] = o
		raw[o.Name] = o.Default
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Config{}, errors.Errorf("config: line %d: expected \"name: value\", got %q", lineNo, line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if _, ok := known[name]; !ok {
			return Config{}, errors.Errorf("config: line %d: unrecognized option %q", lineNo, name)
		}
		raw[name] = value
	}
	if err := scanner.Err(); err != nil {
		return Config{}, errors.Wrap(err, "config: read")
	}

	return fromRaw(raw)
}

func fromRaw(raw map[string]string) (Config, error) {
	var c Config
	get := func(name string) (string, error) {
		v, ok := raw[name]
		if !ok {
			return "", errors.Errorf("config: missing option %q", name)
		}
		return v, nil
	}
	getInt := func(name string) (int, error) {
		v, err := get(name)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.Wrapf(err, "config: option %q", name)
		}
		return n, nil
	}
	getBool := func(name string) (bool, error) {
		v, err := get(name)
		if err != nil {
			return false, err
		}
		if v == "" {
			return false, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, errors.Wrapf(err, "config: option %q", name)
		}
		return b, nil
	}

	var err error
	if c.Daemonize, err = getBool("daemonize"); err != nil {
		return c, err
	}
	if c.PidFilename, err = get("pid_filename"); err != nil {
		return c, err
	}
	if c.ServerHost, err = get("server_host"); err != nil {
		return c, err
	}
	if c.ServerPort, err = getInt("server_port"); err != nil {
		return c, err
	}
	if c.AdminHost, err = get("admin_host"); err != nil {
		return c, err
	}
	if c.AdminPort, err = getInt("admin_port"); err != nil {
		return c, err
	}
	if c.CuckooPolicy, err = get("cuckoo_policy"); err != nil {
		return c, err
	}
	if c.CuckooItemSize, err = getInt("cuckoo_item_size"); err != nil {
		return c, err
	}
	if c.CuckooNItem, err = getInt("cuckoo_nitem"); err != nil {
		return c, err
	}
	if c.CuckooDisplace, err = getInt("cuckoo_displace"); err != nil {
		return c, err
	}
	if c.SlabSize, err = getInt("slab_size"); err != nil {
		return c, err
	}
	if c.SlabMem, err = getInt("slab_mem"); err != nil {
		return c, err
	}
	if c.SlabPrealloc, err = getBool("slab_prealloc"); err != nil {
		return c, err
	}
	if c.SlabEvictOpt, err = get("slab_evict_opt"); err != nil {
		return c, err
	}
	if c.SlabUseFreeq, err = getBool("slab_use_freeq"); err != nil {
		return c, err
	}
	if c.SlabUseCas, err = getBool("slab_use_cas"); err != nil {
		return c, err
	}
	if c.MaxConns, err = getInt("max_conns"); err != nil {
		return c, err
	}
	if c.BufInitSize, err = getInt("buf_init_size"); err != nil {
		return c, err
	}
	if c.DbufMaxPower, err = getInt("dbuf_max_power"); err != nil {
		return c, err
	}
	if c.KlogFile, err = get("klog_file"); err != nil {
		return c, err
	}
	if c.KlogNbuf, err = getInt("klog_nbuf"); err != nil {
		return c, err
	}
	if c.KlogIntvl, err = getInt("klog_intvl"); err != nil {
		return c, err
	}
	if c.KlogSample, err = getInt("klog_sample"); err != nil {
		return c, err
	}
	return c, nil
}

// CuckooConfig maps the config file's cuckoo_* options onto cuckoo.Config.
func (c Config) CuckooConfig() (cuckoo.Config, error) {
	var policy cuckoo.Policy
	switch c.CuckooPolicy {
	case "random", "":
		policy = cuckoo.PolicyRandom
	case "expire":
		policy = cuckoo.PolicyExpire
	default:
		return cuckoo.Config{}, fmt.Errorf("config: unknown cuckoo_policy %q", c.CuckooPolicy)
	}
	return cuckoo.Config{
		SlotSize:    c.CuckooItemSize,
		NSlot:       c.CuckooNItem,
		DisplaceMax: c.CuckooDisplace,
		Policy:      policy,
	}, nil
}

// SlabConfig maps the config file's slab_* options onto slab.Config.
func (c Config) SlabConfig() (slab.Config, error) {
	var evict slab.EvictionPolicy
	switch c.SlabEvictOpt {
	case "none":
		evict = slab.EvictNone
	case "random":
		evict = slab.EvictRandom
	case "lru", "":
		evict = slab.EvictLRU
	case "expired_first":
		evict = slab.EvictExpiredFirst
	default:
		return slab.Config{}, fmt.Errorf("config: unknown slab_evict_opt %q", c.SlabEvictOpt)
	}
	maxSlabs := 1
	if c.SlabSize > 0 {
		maxSlabs = c.SlabMem / c.SlabSize
		if maxSlabs < 1 {
			maxSlabs = 1
		}
	}
	return slab.Config{
		SlabSize:        c.SlabSize,
		MaxSlabs:        maxSlabs,
		EvictPolicy:     evict,
		MoveToHeadOnGet: true,
	}, nil
}
