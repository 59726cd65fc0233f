// Package process implements the request processor (C5): it dispatches
// one parsed proto.Request to whichever engine the running binary was
// configured with, and renders the outcome as a proto.Response. The
// processor type-switches on the concrete engine it holds rather than
// requiring every engine to implement every verb, since the cuckoo
// engine has no APPEND/PREPEND/CAS per §4.2 (ADD and REPLACE are built
// from its Get/Insert/Update).
package process

import (
	"errors"

	"github.com/pelikan-go/storectl/internal/cuckoo"
	"github.com/pelikan-go/storectl/internal/item"
	"github.com/pelikan-go/storectl/internal/metrics"
	"github.com/pelikan-go/storectl/internal/proto"
	"github.com/pelikan-go/storectl/internal/slab"
)

// Processor dispatches requests to one configured engine and tallies
// per-verb/per-outcome metrics.
type Processor struct {
	cuckoo  *cuckoo.Engine
	slab    *slab.Engine
	reg     *metrics.Registry
	version string
	// allowFlush gates FLUSHALL. NewCuckooProcessor leaves it false;
	// NewSlabProcessor takes it from the caller (pelikan-slab passes its
	// --allow-flush flag, which defaults to true).
	allowFlush bool
}

// NewCuckooProcessor builds a processor backed by a fixed-footprint
// cuckoo engine.
func NewCuckooProcessor(eng *cuckoo.Engine, reg *metrics.Registry, version string) *Processor {
	return &Processor{cuckoo: eng, reg: reg, version: version}
}

// NewSlabProcessor builds a processor backed by the slab/segment engine.
func NewSlabProcessor(eng *slab.Engine, reg *metrics.Registry, version string, allowFlush bool) *Processor {
	return &Processor{slab: eng, reg: reg, version: version, allowFlush: allowFlush}
}

// Closed reports whether the connection that sent req should be closed
// after its response is written (true only for QUIT).
func Closed(req *proto.Request) bool { return req.Verb == proto.VerbQuit }

// Process dispatches req to the configured engine and returns the
// response to compose. It always computes a full Response, even when
// req.NoReply is set — per §7, a noreply request still consumes and
// counts its outcome; only the wire bytes are suppressed, and that
// suppression is the caller's job, not Process's.
func (p *Processor) Process(req *proto.Request, now int64) *proto.Response {
	switch req.Verb {
	case proto.VerbGet, proto.VerbGets:
		return p.processGet(req, now)
	case proto.VerbSet:
		return p.processStore(req, now, storeSet)
	case proto.VerbAdd:
		return p.processStore(req, now, storeAdd)
	case proto.VerbReplace:
		return p.processStore(req, now, storeReplace)
	case proto.VerbAppend:
		return p.processStore(req, now, storeAppend)
	case proto.VerbPrepend:
		return p.processStore(req, now, storePrepend)
	case proto.VerbCAS:
		return p.processCAS(req, now)
	case proto.VerbDelete:
		return p.processDelete(req)
	case proto.VerbIncr:
		return p.processArith(req, now, true)
	case proto.VerbDecr:
		return p.processArith(req, now, false)
	case proto.VerbStats:
		return &proto.Response{Code: proto.RespStats, Stats: p.statLines()}
	case proto.VerbVersion:
		return &proto.Response{Code: proto.RespVersion, Message: p.version}
	case proto.VerbPing:
		return &proto.Response{Code: proto.RespPong}
	case proto.VerbQuit:
		return nil
	default:
		return clientError("unknown command")
	}
}

// FlushAll drains the configured engine, if FLUSHALL is permitted by
// configuration; it is invoked by the server's admin port.
func (p *Processor) FlushAll() *proto.Response {
	if !p.allowFlush {
		return clientError("flush_all disabled by configuration")
	}
	p.reg.Inc("cmd_flush")
	if p.slab != nil {
		p.slab.FlushAll()
	}
	return &proto.Response{Code: proto.RespOK}
}

func clientError(msg string) *proto.Response {
	return &proto.Response{Code: proto.RespClientError, Message: msg}
}

func serverError(msg string) *proto.Response {
	return &proto.Response{Code: proto.RespServerError, Message: msg}
}

// processGet iterates every key in a (possibly multi-key) GET/GETS,
// composing one VALUE block per hit and silently skipping misses from
// the wire while still tallying them — the partial-failure rule in §4.5:
// a miss is not an error, but any engine-level failure on one key
// terminates the whole batch with SERVER_ERROR.
func (p *Processor) processGet(req *proto.Request, now int64) *proto.Response {
	p.reg.Inc("cmd_get")
	withCAS := req.Verb == proto.VerbGets

	values := make([]proto.ValueEntry, 0, len(req.Keys))
	for _, key := range req.Keys {
		it, ok := p.get(key, now)
		if !ok {
			p.reg.Inc("get_misses")
			continue
		}
		p.reg.Inc("get_hits")
		values = append(values, proto.ValueEntry{
			Key:     it.Key,
			Flags:   it.Flags,
			Value:   it.Value,
			CAS:     it.CAS,
			WithCAS: withCAS,
		})
	}
	return &proto.Response{Code: proto.RespValue, Values: values}
}

func (p *Processor) get(key []byte, now int64) (*item.Item, bool) {
	if p.cuckoo != nil {
		return p.cuckoo.Get(key, now)
	}
	return p.slab.Get(key, now)
}

type storeOp int

const (
	storeSet storeOp = iota
	storeAdd
	storeReplace
	storeAppend
	storePrepend
)

func (p *Processor) processStore(req *proto.Request, now int64, op storeOp) *proto.Response {
	p.reg.Inc("cmd_set")
	key := req.Keys[0]

	var err error
	switch {
	case p.cuckoo != nil:
		err = p.storeCuckoo(key, req, op, now)
	default:
		err = p.storeSlab(key, req, now, op)
	}
	return p.storeResponse(err)
}

// storeCuckoo handles the subset of store verbs the fixed-footprint
// engine supports: SET and ADD-when-absent via Insert, REPLACE via
// Update; APPEND/PREPEND/CAS have no cuckoo equivalent per §4.2.
func (p *Processor) storeCuckoo(key []byte, req *proto.Request, op storeOp, now int64) error {
	switch op {
	case storeSet:
		if _, ok := p.cuckoo.Get(key, now); ok {
			return p.cuckoo.Update(key, req.Value, req.Flags, req.Expiry)
		}
		return p.cuckoo.Insert(key, req.Value, req.Flags, req.Expiry, now)
	case storeAdd:
		if _, ok := p.cuckoo.Get(key, now); ok {
			return slab.ErrNotStored
		}
		return p.cuckoo.Insert(key, req.Value, req.Flags, req.Expiry, now)
	case storeReplace:
		if _, ok := p.cuckoo.Get(key, now); !ok {
			return slab.ErrNotStored
		}
		return p.cuckoo.Update(key, req.Value, req.Flags, req.Expiry)
	default:
		return errUnsupported
	}
}

var errUnsupported = errors.New("process: command not supported by the configured engine")

func (p *Processor) storeSlab(key []byte, req *proto.Request, now int64, op storeOp) error {
	switch op {
	case storeSet:
		return p.slab.Set(key, req.Value, req.Flags, req.Expiry, now)
	case storeAdd:
		// The engine reports an ADD collision as ErrExists; on the wire a
		// failed ADD is NOT_STORED, as it is for the cuckoo engine.
		err := p.slab.Add(key, req.Value, req.Flags, req.Expiry, now)
		if errors.Is(err, slab.ErrExists) {
			return slab.ErrNotStored
		}
		return err
	case storeReplace:
		return p.slab.Replace(key, req.Value, req.Flags, req.Expiry, now)
	case storeAppend:
		return p.slab.Append(key, req.Value, now)
	case storePrepend:
		return p.slab.Prepend(key, req.Value, now)
	}
	return errUnsupported
}

func (p *Processor) storeResponse(err error) *proto.Response {
	switch {
	case err == nil:
		return &proto.Response{Code: proto.RespStored}
	case errors.Is(err, slab.ErrNotStored):
		p.reg.Inc("not_stored")
		return &proto.Response{Code: proto.RespNotStored}
	case errors.Is(err, slab.ErrExists):
		return &proto.Response{Code: proto.RespExists}
	case errors.Is(err, slab.ErrOversized), errors.Is(err, cuckoo.ErrOversized):
		p.reg.Inc("oversized")
		return clientError("object too large for cache")
	case errors.Is(err, slab.ErrNoMem), errors.Is(err, cuckoo.ErrNoMem):
		p.reg.Inc("no_mem")
		return serverError("out of memory storing object")
	case errors.Is(err, errUnsupported):
		return clientError("unsupported command for this engine")
	default:
		p.reg.Inc("server_error")
		return serverError(err.Error())
	}
}

func (p *Processor) processCAS(req *proto.Request, now int64) *proto.Response {
	p.reg.Inc("cmd_set")
	key := req.Keys[0]

	if p.cuckoo != nil {
		return clientError("unsupported command for this engine")
	}

	err := p.slab.CAS(key, req.Value, req.Flags, req.Expiry, req.CAS, now)
	switch {
	case err == nil:
		p.reg.Inc("cas_hits")
		return &proto.Response{Code: proto.RespStored}
	case errors.Is(err, slab.ErrNotFound):
		p.reg.Inc("cas_misses")
		return &proto.Response{Code: proto.RespNotFound}
	case errors.Is(err, slab.ErrCASMismatch):
		p.reg.Inc("cas_badval")
		return &proto.Response{Code: proto.RespExists}
	default:
		p.reg.Inc("server_error")
		return serverError(err.Error())
	}
}

func (p *Processor) processDelete(req *proto.Request) *proto.Response {
	p.reg.Inc("cmd_delete")
	key := req.Keys[0]

	var ok bool
	if p.cuckoo != nil {
		ok = p.cuckoo.Delete(key)
	} else {
		ok = p.slab.Delete(key)
	}
	if ok {
		p.reg.Inc("delete_hits")
		return &proto.Response{Code: proto.RespDeleted}
	}
	p.reg.Inc("delete_misses")
	return &proto.Response{Code: proto.RespNotFound}
}

func (p *Processor) processArith(req *proto.Request, now int64, incr bool) *proto.Response {
	if incr {
		p.reg.Inc("cmd_incr")
	} else {
		p.reg.Inc("cmd_decr")
	}
	key := req.Keys[0]

	var v uint64
	var err error
	switch {
	case p.cuckoo != nil:
		v, err = p.arithCuckoo(key, req.Delta, incr, now)
	case incr:
		v, err = p.slab.Incr(key, req.Delta, now)
	default:
		v, err = p.slab.Decr(key, req.Delta, now)
	}

	hit, miss := "incr_hits", "incr_misses"
	if !incr {
		hit, miss = "decr_hits", "decr_misses"
	}

	switch {
	case err == nil:
		p.reg.Inc(hit)
		return &proto.Response{Code: proto.RespNumber, Message: formatUint(v)}
	case errors.Is(err, slab.ErrNotFound), errors.Is(err, errUnsupported):
		p.reg.Inc(miss)
		return &proto.Response{Code: proto.RespNotFound}
	case errors.Is(err, item.ErrNonNumeric):
		p.reg.Inc("non_numeric")
		return clientError("cannot increment or decrement non-numeric value")
	default:
		p.reg.Inc("server_error")
		return serverError(err.Error())
	}
}

// arithCuckoo fetches the item via Get (cuckoo has no direct Incr/Decr:
// §4.2 only defines Get/Insert/Update/Delete), mutates it in place with
// item.Item's own saturating arithmetic, and writes it back with Update.
func (p *Processor) arithCuckoo(key []byte, delta uint64, incr bool, now int64) (uint64, error) {
	it, ok := p.cuckoo.Get(key, now)
	if !ok {
		return 0, errUnsupported
	}
	cur := *it
	var v uint64
	var err error
	cas := item.NewCASCounter() // local: Update below assigns the real token
	if incr {
		v, err = cur.Incr(delta, cas)
	} else {
		v, err = cur.Decr(delta, cas)
	}
	if err != nil {
		return 0, err
	}
	if uerr := p.cuckoo.Update(key, cur.Value, cur.Flags, cur.Expiry); uerr != nil {
		return 0, uerr
	}
	return v, nil
}

func (p *Processor) statLines() []proto.StatLine {
	src := p.reg.StatLines()
	out := make([]proto.StatLine, len(src))
	for i, s := range src {
		out[i] = proto.StatLine{Name: s.Name, Value: s.Value}
	}
	return out
}

func formatUint(v uint64) string {
	// INCR/DECR replies carry the new value as bare decimal text,
	// matching the wire format item.Incr/Decr already write in place.
	buf := make([]byte, 0, 20)
	return string(appendUint(buf, v))
}

func appendUint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(dst, tmp[i:]...)
}
