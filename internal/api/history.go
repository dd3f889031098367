package api

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/recorder"
)

// maxFilterEntities bounds the entity list accepted on one query.
const maxFilterEntities = 100

// handleHistory returns state history grouped per entity. Each inner list
// is ascending by time; the outer list is sorted by entity id.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "recorder")
		return
	}

	rng, err := parseRangeParams(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ids, err := parseEntityList(r.URL.Query().Get("filter_entity_id"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	rows, err := s.history.History(r.Context(), recorder.HistoryQuery{EntityIDs: ids, Range: rng})
	if err != nil {
		s.writeDomainError(w, err, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, groupByEntity(rows))
}

func (s *Server) handleLogbook(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "recorder")
		return
	}

	rng, err := parseRangeParams(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.history.Logbook(r.Context(), recorder.LogbookQuery{
		EntityID: strings.TrimSpace(r.URL.Query().Get("entity")),
		Range:    rng,
	})
	if err != nil {
		s.writeDomainError(w, err, "failed to load logbook")
		return
	}
	if entries == nil {
		entries = []recorder.LogbookEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "recorder")
		return
	}

	rng, err := parseRangeParams(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ids, err := parseEntityList(r.URL.Query().Get("statistic_ids"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	buckets, err := s.history.Statistics(r.Context(), recorder.StatisticsQuery{EntityIDs: ids, Range: rng})
	if err != nil {
		s.writeDomainError(w, err, "failed to load statistics")
		return
	}

	out := make(map[string][]recorder.StatisticBucket)
	for _, b := range buckets {
		out[b.EntityID] = append(out[b.EntityID], b)
	}
	writeJSON(w, http.StatusOK, out)
}

// groupByEntity splits rows into per-entity series. Rows arrive ascending
// by time, so each series stays ascending.
func groupByEntity(rows []recorder.StateRow) [][]recorder.StateRow {
	index := make(map[string]int)
	out := [][]recorder.StateRow{}
	for _, row := range rows {
		i, ok := index[row.EntityID]
		if !ok {
			i = len(out)
			index[row.EntityID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], row)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i][0].EntityID < out[j][0].EntityID
	})
	return out
}

// parseRangeParams reads start_time and end_time. An omitted bound stays
// nil, which the recorder treats as unbounded on that side.
func parseRangeParams(r *http.Request) (recorder.TimeRange, error) {
	var rng recorder.TimeRange

	end, err := parseTimeParam(r.URL.Query().Get("end_time"))
	if err != nil {
		return recorder.TimeRange{}, fmt.Errorf("invalid end_time")
	}
	start, err := parseTimeParam(r.URL.Query().Get("start_time"))
	if err != nil {
		return recorder.TimeRange{}, fmt.Errorf("invalid start_time")
	}
	if start != nil && end != nil && end.Before(*start) {
		return recorder.TimeRange{}, fmt.Errorf("end_time must be after start_time")
	}
	rng.Start, rng.End = start, end
	return rng, nil
}

// parseEntityList splits a comma separated entity id list.
func parseEntityList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > maxFilterEntities {
		return nil, fmt.Errorf("at most %d entity ids per query", maxFilterEntities)
	}
	return ids, nil
}

// parseTimeParam parses an ISO8601 or Unix timestamp. An empty value
// yields nil.
func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}

	parsed, err := parseRFC3339(raw)
	if err != nil {
		if parsed, err = parseUnixTimestamp(raw); err != nil {
			return nil, err
		}
	}
	return &parsed, nil
}

// parseRFC3339 parses a timestamp in RFC3339 or RFC3339Nano format.
func parseRFC3339(raw string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// parseUnixTimestamp parses a Unix timestamp string into time.Time.
func parseUnixTimestamp(raw string) (time.Time, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, err
	}

	seconds, fraction := math.Modf(value)
	return time.Unix(int64(seconds), int64(fraction*float64(time.Second))).UTC(), nil
}
