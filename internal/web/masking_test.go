package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskingPage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "masking.html"), []byte("<html>mascheramento</html>"), 0o644))

	rec := httptest.NewRecorder()
	MaskingPage(dir)(rec, httptest.NewRequest(http.MethodGet, "/masking", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Contains(t, rec.Body.String(), "mascheramento")
}

func TestMaskingPageMissing(t *testing.T) {
	rec := httptest.NewRecorder()
	MaskingPage(t.TempDir())(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
