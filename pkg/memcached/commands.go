package memcached

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ppdb/ppdb/pkg/kv"
	"github.com/ppdb/ppdb/pkg/metrics"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

var bg = context.Background()

func (s *session) sendValue(item *kv.Item, withCAS bool) {
	if withCAS {
		fmt.Fprintf(s.w, "VALUE %s %d %d %d\r\n", item.Key, item.Flags, len(item.Value), item.CAS)
	} else {
		fmt.Fprintf(s.w, "VALUE %s %d %d\r\n", item.Key, item.Flags, len(item.Value))
	}
	s.w.Write(item.Value)
	s.w.WriteString("\r\n")
}

func (s *session) handleGet(keys []string, withCAS bool) {
	if len(keys) == 0 {
		s.writeError()
		return
	}
	for _, key := range keys {
		item, err := s.store.Get(bg, key)
		if err != nil {
			continue
		}
		s.sendValue(item, withCAS)
	}
	s.writeLine("END")
}

func (s *session) handleStorage(cmd string, args []string) {
	minArgs := 4
	if len(args) < minArgs {
		s.writeError()
		return
	}
	key := args[0]
	flags64, ferr := strconv.ParseUint(args[1], 10, 32)
	exptime, eerr := strconv.ParseInt(args[2], 10, 64)
	bytes, berr := strconv.Atoi(args[3])
	noreply := len(args) > minArgs && args[minArgs] == "noreply"

	if len(key) > maxKeyLength || ferr != nil || eerr != nil || berr != nil || bytes < 0 {
		s.writeClientError("bad command line format")
		return
	}
	if bytes > s.maxValue {
		s.discardAndError(bytes, "object too large for cache", noreply)
		return
	}

	data, ok := s.readPayload(bytes)
	if !ok {
		if !noreply {
			s.writeClientError("bad data chunk")
		}
		return
	}

	item := &kv.Item{Key: key, Value: data, Flags: uint32(flags64), Expiry: kv.NormalizeExpiry(exptime, time.Now())}

	var err error
	switch cmd {
	case "set":
		err = s.store.Set(bg, item)
	case "add":
		err = s.store.Add(bg, item)
	case "replace":
		err = s.store.Replace(bg, item)
	case "append":
		_, err = s.store.Append(bg, key, data)
	case "prepend":
		_, err = s.store.Prepend(bg, key, data)
	}

	if noreply {
		return
	}
	s.respondStore(err)
}

func (s *session) respondStore(err error) {
	switch {
	case err == nil:
		s.writeLine("STORED")
	case ppdberr.Is(err, ppdberr.Exists):
		s.writeLine("EXISTS")
	case ppdberr.Is(err, ppdberr.NotFound):
		s.writeLine("NOT_STORED")
	case ppdberr.Is(err, ppdberr.CasMismatch):
		s.writeLine("EXISTS")
	case ppdberr.Is(err, ppdberr.TooLarge):
		s.writeClientError("object too large for cache")
	default:
		s.writeServerError(err.Error())
	}
}

func (s *session) discardAndError(n int, msg string, noreply bool) {
	_, _ = s.readPayload(n)
	if !noreply {
		s.writeServerError(msg)
	}
}

func (s *session) handleCas(args []string) {
	if len(args) < 5 {
		s.writeError()
		return
	}
	key := args[0]
	flags64, ferr := strconv.ParseUint(args[1], 10, 32)
	exptime, eerr := strconv.ParseInt(args[2], 10, 64)
	bytes, berr := strconv.Atoi(args[3])
	casVal, cerr := strconv.ParseUint(args[4], 10, 64)
	noreply := len(args) > 5 && args[5] == "noreply"

	if len(key) > maxKeyLength || ferr != nil || eerr != nil || berr != nil || cerr != nil || bytes < 0 {
		s.writeClientError("bad command line format")
		return
	}
	if bytes > s.maxValue {
		s.discardAndError(bytes, "object too large for cache", noreply)
		return
	}
	data, ok := s.readPayload(bytes)
	if !ok {
		if !noreply {
			s.writeClientError("bad data chunk")
		}
		return
	}

	item := &kv.Item{Key: key, Value: data, Flags: uint32(flags64), Expiry: kv.NormalizeExpiry(exptime, time.Now())}
	err := s.store.CompareAndSwap(bg, item, casVal)
	if noreply {
		return
	}
	switch {
	case err == nil:
		s.writeLine("STORED")
	case ppdberr.Is(err, ppdberr.NotFound):
		s.writeLine("NOT_FOUND")
	case ppdberr.Is(err, ppdberr.CasMismatch):
		s.writeLine("EXISTS")
	default:
		s.writeServerError(err.Error())
	}
}

func (s *session) handleDelete(args []string) {
	if len(args) == 0 {
		s.writeError()
		return
	}
	key := args[0]
	noreply := len(args) > 1 && args[len(args)-1] == "noreply"
	err := s.store.Delete(bg, key)
	if noreply {
		return
	}
	if err == nil {
		s.writeLine("DELETED")
	} else {
		s.writeLine("NOT_FOUND")
	}
}

func (s *session) handleIncrDecr(args []string, incr bool) {
	if len(args) < 2 {
		s.writeError()
		return
	}
	key := args[0]
	delta, derr := strconv.ParseUint(args[1], 10, 64)
	noreply := len(args) > 2 && args[2] == "noreply"
	if derr != nil {
		if !noreply {
			s.writeClientError("invalid numeric delta argument")
		}
		return
	}

	var next uint64
	var err error
	if incr {
		next, err = s.store.Incr(bg, key, delta)
	} else {
		next, err = s.store.Decr(bg, key, delta)
	}
	if noreply {
		return
	}
	switch {
	case err == nil:
		s.writeLine(strconv.FormatUint(next, 10))
	case ppdberr.Is(err, ppdberr.NotFound):
		s.writeLine("NOT_FOUND")
	case ppdberr.Is(err, ppdberr.InvalidData):
		s.writeClientError("cannot increment or decrement non-numeric value")
	default:
		s.writeServerError(err.Error())
	}
}

func (s *session) handleTouch(args []string) {
	if len(args) < 2 {
		s.writeError()
		return
	}
	key := args[0]
	exptime, eerr := strconv.ParseInt(args[1], 10, 64)
	noreply := len(args) > 2 && args[2] == "noreply"
	if eerr != nil {
		if !noreply {
			s.writeClientError("invalid exptime argument")
		}
		return
	}
	err := s.store.Touch(bg, key, kv.NormalizeExpiry(exptime, time.Now()))
	if noreply {
		return
	}
	if err == nil {
		s.writeLine("TOUCHED")
	} else {
		s.writeLine("NOT_FOUND")
	}
}

// handleGat implements both the single-key gat/gats from the wire
// protocol and the multi-key variant (original_source's peer_memkv.c
// only documents single-key gat; multi-key gat mirrors multi-key get).
func (s *session) handleGat(args []string, withCAS bool) {
	if len(args) < 2 {
		s.writeError()
		return
	}
	exptime, eerr := strconv.ParseInt(args[0], 10, 64)
	if eerr != nil {
		s.writeClientError("invalid exptime argument")
		return
	}
	expiry := kv.NormalizeExpiry(exptime, time.Now())
	for _, key := range args[1:] {
		if err := s.store.Touch(bg, key, expiry); err != nil {
			continue
		}
		item, err := s.store.Get(bg, key)
		if err != nil {
			continue
		}
		s.sendValue(item, withCAS)
	}
	s.writeLine("END")
}

func (s *session) handleFlushAll(args []string) {
	noreply := len(args) > 0 && args[len(args)-1] == "noreply"
	delay := int64(0)
	if len(args) > 0 && args[0] != "noreply" {
		if d, err := strconv.ParseInt(args[0], 10, 64); err == nil {
			delay = d
		}
	}
	_ = s.store.FlushAll(bg, time.Now().Unix()+delay)
	if !noreply {
		s.writeLine("OK")
	}
}

func (s *session) handleStats(args []string) {
	if len(args) > 0 {
		// Sub-stats (e.g. "stats items") are not modeled; respond empty.
		s.writeLine("END")
		return
	}
	uptime := int64(time.Since(processStart).Seconds())
	fmt.Fprintf(s.w, "STAT uptime %d\r\n", uptime)
	fmt.Fprintf(s.w, "STAT version %s\r\n", s.version)
	fmt.Fprintf(s.w, "STAT cmd_get %d\r\n", int64(metrics.Value(metrics.CmdGet)))
	fmt.Fprintf(s.w, "STAT cmd_set %d\r\n", int64(metrics.Value(metrics.CmdSet)))
	fmt.Fprintf(s.w, "STAT cmd_delete %d\r\n", int64(metrics.Value(metrics.CmdDelete)))
	fmt.Fprintf(s.w, "STAT get_hits %d\r\n", int64(metrics.Value(metrics.GetHits)))
	fmt.Fprintf(s.w, "STAT get_misses %d\r\n", int64(metrics.Value(metrics.GetMisses)))
	fmt.Fprintf(s.w, "STAT curr_items %d\r\n", int64(metrics.GaugeValue(metrics.CurrItems)))
	fmt.Fprintf(s.w, "STAT total_items %d\r\n", int64(metrics.Value(metrics.TotalItems)))
	fmt.Fprintf(s.w, "STAT bytes %d\r\n", int64(metrics.GaugeValue(metrics.BytesStored)))
	s.writeLine("END")
}
