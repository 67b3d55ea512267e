package server

import (
	"bufio"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

const maxSourceLineBytes = 1 << 20

// handleReadFile returns the lines of a source file so a client can show
// where the inferior stopped. start_line and end_line, both 1-based and
// inclusive, narrow the result.
func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	path = filepath.Clean(path)

	start, err := lineParam(r, "start_line", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_line")
		return
	}
	end, err := lineParam(r, "end_line", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_line")
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "File not found: "+path)
		return
	}

	lines, err := readLines(path, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read "+path+": "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source_code":            lines,
		"path":                   path,
		"start_line":             start,
		"last_modified_unix_sec": info.ModTime().Unix(),
	})
}

func lineParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

// readLines returns lines start..end of path. An end of 0 reads to EOF.
func readLines(path string, start, end int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if start < 1 {
		start = 1
	}

	lines := []string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSourceLineBytes)
	for n := 1; scanner.Scan(); n++ {
		if n < start {
			continue
		}
		if end > 0 && n > end {
			break
		}
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
