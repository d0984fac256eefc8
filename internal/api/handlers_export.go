package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"minicdp/internal/store"
)

// export is a rendered CSV held for download. Exports are kept in memory
// and replaced per segment key; this is an operator tool, not an archive.
type export struct {
	data      []byte
	createdAt time.Time
}

const exportRetention = time.Hour

var csvHeader = []string{
	"user_id", "created_at", "in_segment", "since", "updated_at",
	"device_id", "external_id", "email_hash",
}

// handleExportSegment renders the current members of a segment to CSV and
// returns a download link.
func (s *Server) handleExportSegment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if _, err := s.ds.GetSegmentDefinition(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, codeNotFound, "segment not found")
			return
		}
		writeError(w, codeInternal, "lookup failed")
		return
	}

	rows, err := s.ds.SegmentMembers(r.Context(), key)
	if err != nil {
		s.log.Error("segment export failed", zap.String("segment", key), zap.Error(err))
		writeError(w, codeInternal, "export failed")
		return
	}

	data := renderSegmentCSV(rows)

	now := time.Now().UTC()
	filename := fmt.Sprintf("segment_%s_%s.csv", key, now.Format("20060102T150405Z"))

	s.exportMu.Lock()
	for name, e := range s.exports {
		if now.Sub(e.createdAt) > exportRetention {
			delete(s.exports, name)
		}
	}
	s.exports[filename] = export{data: data, createdAt: now}
	s.exportMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"downloadUrl": "/v1/export/download/" + filename,
		"filename":    filename,
		"userCount":   len(rows),
	})
}

func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	s.exportMu.Lock()
	e, ok := s.exports[filename]
	s.exportMu.Unlock()
	if !ok {
		writeError(w, codeNotFound, "export not found or expired")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.data)
}

// renderSegmentCSV writes the export by hand: the header row is bare and
// every data field is quoted, embedded quotes doubled. encoding/csv
// quotes only fields that need it, which is not the format here.
func renderSegmentCSV(rows []store.SegmentMemberRow) []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.Join(csvHeader, ","))
	buf.WriteByte('\n')
	for _, row := range rows {
		record := []string{
			row.UserID,
			row.CreatedAt.UTC().Format(time.RFC3339),
			fmt.Sprintf("%t", row.InSegment),
			formatNullableTime(row.Since),
			row.UpdatedAt.UTC().Format(time.RFC3339),
			stringOrEmpty(row.DeviceID),
			stringOrEmpty(row.ExternalID),
			stringOrEmpty(row.EmailHash),
		}
		for i, field := range record {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('"')
			buf.WriteString(strings.ReplaceAll(field, `"`, `""`))
			buf.WriteByte('"')
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func formatNullableTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
