package domain

func (o *Orchestrator) handles(kind EventKind) bool {
	_, ok := o.handlers[kind]
	return ok
}

// replayStatus folds status events, in publish order, into the status a
// downstream consumer would hold. Repeated or older versions are ignored.
func replayStatus(events []PayoutStatusChanged) PayoutStatus {
	status := StatusPending
	var version int64
	for _, ev := range events {
		if ev.Version <= version {
			continue
		}
		version = ev.Version
		status = ev.Status
	}
	return status
}
