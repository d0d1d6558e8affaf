package policy

// halt stops the run after the first failed combination. Once halted it
// keeps answering Halt.
type halt struct {
	rec *recorder
}

func (p *halt) Name() string { return NameHalt }

func (p *halt) Observe(o Outcome) Decision {
	return p.rec.record(o, func(s *Stats) Decision {
		if s.HaltedAfter == "" && o.Status == StatusFailure {
			s.HaltedAfter = o.Label
		}
		if s.HaltedAfter != "" {
			return Halt
		}
		return Continue
	})
}

func (p *halt) Stats() Stats { return p.rec.snapshot() }
