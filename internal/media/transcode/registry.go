package transcode

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/tandem/internal/media/format"
)

type edge struct {
	src string
	dst string
}

type registration struct {
	srcFmt  format.Format
	dstFmt  format.Format
	factory Factory
}

// Registry holds the available single-hop format conversions. There is
// no process-global registry: each call manager owns one, so tests and
// embedders control exactly which conversions exist.
//
// Enumeration order is registration order, which makes every derived
// result (closures, selected formats, chosen paths) deterministic.
type Registry struct {
	mu    sync.RWMutex
	byKey map[edge]registration
	order []edge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[edge]registration)}
}

// Register adds a conversion from src to dst. Registering the same
// pair again replaces the factory.
func (r *Registry) Register(src, dst format.Format, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := edge{src.Name, dst.Name}
	if _, exists := r.byKey[key]; !exists {
		r.order = append(r.order, key)
	}
	r.byKey[key] = registration{srcFmt: src, dstFmt: dst, factory: factory}
	slog.Debug("[Transcode] Registered conversion", "from", src.Name, "to", dst.Name)
}

// CanConvert reports whether a direct conversion is registered.
func (r *Registry) CanConvert(src, dst format.Format) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKey[edge{src.Name, dst.Name}]
	return ok
}

// NewTranscoder instantiates the registered direct conversion.
func (r *Registry) NewTranscoder(src, dst format.Format) (Transcoder, error) {
	r.mu.RLock()
	reg, ok := r.byKey[edge{src.Name, dst.Name}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownTranscoder, src.Name, dst.Name)
	}
	return reg.factory()
}

// PossibleFormats returns every format reachable from the given list
// through any chain of registered conversions, including the inputs
// themselves. Output order is input order followed by discovery order.
func (r *Registry) PossibleFormats(in format.List) format.List {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := in.Clone()
	// breadth-first over conversion edges until no new format appears
	for i := 0; i < len(out); i++ {
		for _, key := range r.order {
			if key.src != out[i].Name {
				continue
			}
			out.Add(r.byKey[key].dstFmt)
		}
	}
	return out
}

// Path is a resolved conversion chain for one patch sink: nil primary
// means the formats are identical, a non-nil secondary means a two-step
// conversion through an intermediate format.
type Path struct {
	Primary   Transcoder
	Secondary Transcoder
}

// FindPath resolves how to convert src frames into dst frames. It
// prefers no conversion, then a direct transcoder, then a two-step
// chain through an intermediate from allFormats (in that list's order).
func (r *Registry) FindPath(src, dst format.Format, allFormats format.List) (Path, error) {
	if src.Equal(dst) {
		return Path{}, nil
	}

	if r.CanConvert(src, dst) {
		t, err := r.NewTranscoder(src, dst)
		if err != nil {
			return Path{}, err
		}
		return Path{Primary: t}, nil
	}

	for _, mid := range allFormats {
		if mid.Equal(src) || mid.Equal(dst) {
			continue
		}
		if !r.CanConvert(src, mid) || !r.CanConvert(mid, dst) {
			continue
		}
		first, err := r.NewTranscoder(src, mid)
		if err != nil {
			return Path{}, err
		}
		second, err := r.NewTranscoder(mid, dst)
		if err != nil {
			return Path{}, err
		}
		slog.Debug("[Transcode] Using two-step conversion",
			"from", src.Name, "via", mid.Name, "to", dst.Name)
		return Path{Primary: first, Secondary: second}, nil
	}

	return Path{}, fmt.Errorf("%w: %s -> %s", ErrNoTranscoderPath, src.Name, dst.Name)
}

// SelectFormats picks the concrete source and destination format for a
// new media flow. Preference order:
//
//  1. a format present in both lists (srcFormats order decides),
//  2. a pair bridged by a direct conversion (srcFormats order, then
//     dstFormats order),
//  3. a pair bridged through an intermediate from allFormats.
//
// The result is deterministic for fixed inputs and registry contents.
func (r *Registry) SelectFormats(srcFormats, dstFormats, allFormats format.List) (srcFmt, dstFmt format.Format, err error) {
	for _, s := range srcFormats {
		if d, ok := dstFormats.Get(s.Name); ok {
			return s, d, nil
		}
	}

	for _, s := range srcFormats {
		for _, d := range dstFormats {
			if r.CanConvert(s, d) {
				return s, d, nil
			}
		}
	}

	for _, s := range srcFormats {
		for _, d := range dstFormats {
			for _, mid := range allFormats {
				if mid.Equal(s) || mid.Equal(d) {
					continue
				}
				if r.CanConvert(s, mid) && r.CanConvert(mid, d) {
					return s, d, nil
				}
			}
		}
	}

	return format.Format{}, format.Format{}, fmt.Errorf("%w: [%s] vs [%s]", ErrNoCommonFormat, srcFormats, dstFormats)
}
