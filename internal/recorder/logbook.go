package recorder

// dedupeLogbook turns ascending history rows into logbook entries,
// skipping a row whose state equals the previous row of the same entity.
// The rule is applied per entity, so interleaving other entities does not
// break a run.
func dedupeLogbook(rows []StateRow) []LogbookEntry {
	last := make(map[string]string)
	entries := make([]LogbookEntry, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		if prev, seen := last[row.EntityID]; seen && prev == row.State {
			continue
		}
		last[row.EntityID] = row.State
		entries = append(entries, LogbookEntry{
			When:      row.LastReported,
			EntityID:  row.EntityID,
			State:     row.State,
			Name:      row.Name(),
			ContextID: row.Context.ID,
		})
	}
	return entries
}
