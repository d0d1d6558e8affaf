package policy

// isolate aborts only the failing combination and always continues.
type isolate struct {
	rec *recorder
}

func (p *isolate) Name() string { return NameIsolate }

func (p *isolate) Observe(o Outcome) Decision {
	return p.rec.record(o, func(*Stats) Decision { return Continue })
}

func (p *isolate) Stats() Stats { return p.rec.snapshot() }
