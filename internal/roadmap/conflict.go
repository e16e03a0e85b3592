package roadmap

// ConflictOutcome captures the decision from resolveIncoming.
type ConflictOutcome struct {
	Accepted bool
	Inserted bool
	Stored   Record
}

// resolveIncoming applies last-write-wins by edittime. A peer row replaces the
// local one only when strictly newer; ties keep local state so replays are no-ops.
func resolveIncoming(existing *Record, incoming Record) ConflictOutcome {
	switch {
	case existing == nil:
		return ConflictOutcome{Accepted: true, Inserted: true, Stored: withAddTime(incoming)}
	case incoming.EditTime > existing.EditTime:
		updated := withAddTime(incoming)
		if existing.AddTime > 0 {
			updated.AddTime = existing.AddTime
		}
		return ConflictOutcome{Accepted: true, Stored: updated}
	default:
		return ConflictOutcome{Accepted: false, Stored: *existing}
	}
}

func withAddTime(record Record) Record {
	if record.AddTime == 0 {
		record.AddTime = record.EditTime
	}
	return record
}
