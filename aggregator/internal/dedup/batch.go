package dedup

import (
	"context"

	"github.com/hazyhaar/newsagg/aggregator/internal/source"
)

// pending is a candidate accepted earlier in the batch.
type pending struct {
	id          string
	source      string
	hash        string
	publishedAt int64
	sig         *Signature
}

// Batch resolves the candidates of one reconcile pass. A candidate is
// checked against accepted candidates of the batch before the store, per
// rule, so the first-seen candidate wins. A Batch is not safe for
// concurrent use.
type Batch struct {
	r            *Resolver
	byURL        map[string]*pending
	bySourceHash map[string][]*pending
	bySource     map[string][]*pending
}

// NewBatch starts a batch.
func (r *Resolver) NewBatch() *Batch {
	return &Batch{
		r:            r,
		byURL:        make(map[string]*pending),
		bySourceHash: make(map[string][]*pending),
		bySource:     make(map[string][]*pending),
	}
}

// Resolve resolves c and, for New and Update, records it as accepted.
func (b *Batch) Resolve(ctx context.Context, c source.Candidate) (Resolution, error) {
	hash := ContentHash(c.Title, c.Body)
	res, err := b.resolve(ctx, c, hash)
	if err != nil {
		return Resolution{}, err
	}
	if res.Decision != Duplicate {
		b.accept(c, res)
	}
	return res, nil
}

func (b *Batch) resolve(ctx context.Context, c source.Candidate, hash string) (Resolution, error) {
	if p, ok := b.byURL[c.URL]; ok {
		d := Update
		if p.hash == hash {
			d = Duplicate
		}
		return Resolution{Decision: d, ID: p.id, ContentHash: hash, Rule: RuleURL}, nil
	}
	if res, ok, err := b.r.byURL(ctx, c, hash); err != nil || ok {
		return res, err
	}

	from, to := b.r.window(c)
	for _, p := range b.bySourceHash[c.Source+"\x00"+hash] {
		if p.publishedAt >= from && p.publishedAt <= to {
			return Resolution{Decision: Duplicate, ID: p.id, ContentHash: hash, Rule: RuleSourceHash}, nil
		}
	}
	if res, ok, err := b.r.bySourceHash(ctx, c, hash); err != nil || ok {
		return res, err
	}

	if b.r.cfg.NearDupThreshold > 0 {
		sig := Sign(c.Title+" "+c.Body, b.r.cfg.ShingleSize)
		if hasWords(c.Title + " " + c.Body) {
			for _, p := range b.bySource[c.Source] {
				if p.sig == nil || p.publishedAt < from || p.publishedAt > to {
					continue
				}
				if sig.Similarity(*p.sig) >= b.r.cfg.NearDupThreshold {
					return Resolution{Decision: Duplicate, ID: p.id, ContentHash: hash, Rule: RuleNearDup}, nil
				}
			}
		}
		if res, ok, err := b.r.nearDup(ctx, c, hash, sig); err != nil || ok {
			return res, err
		}
	}
	return newResolution(c, hash), nil
}

func (b *Batch) accept(c source.Candidate, res Resolution) {
	if p, ok := b.byURL[c.URL]; ok {
		// Later update of an accepted URL: the batch now holds its content.
		hadSig := p.sig != nil
		p.hash = res.ContentHash
		p.sig = b.signature(c)
		b.indexHash(p)
		if !hadSig && p.sig != nil {
			b.bySource[c.Source] = append(b.bySource[c.Source], p)
		}
		return
	}
	p := &pending{
		id:          res.ID,
		source:      c.Source,
		hash:        res.ContentHash,
		publishedAt: c.PublishedAt.UnixMilli(),
		sig:         b.signature(c),
	}
	b.byURL[c.URL] = p
	b.indexHash(p)
	if p.sig != nil {
		b.bySource[c.Source] = append(b.bySource[c.Source], p)
	}
}

func (b *Batch) indexHash(p *pending) {
	key := p.source + "\x00" + p.hash
	b.bySourceHash[key] = append(b.bySourceHash[key], p)
}

func (b *Batch) signature(c source.Candidate) *Signature {
	if b.r.cfg.NearDupThreshold <= 0 || !hasWords(c.Title+" "+c.Body) {
		return nil
	}
	sig := Sign(c.Title+" "+c.Body, b.r.cfg.ShingleSize)
	return &sig
}
