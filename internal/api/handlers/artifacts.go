// artifacts.go: раздача артефактов fs-бэкенда по /artifacts/.
package handlers

import (
	"net/http"
	"strings"

	apierrors "github.com/bigkaa/goartstore/protection-module/internal/api/errors"
)

// NewArtifactsHandler раздаёт файлы из dataDir. Листинг каталогов отключён.
// prefix: путь монтирования, например "/artifacts/".
func NewArtifactsHandler(prefix, dataDir string) http.Handler {
	files := http.StripPrefix(strings.TrimRight(prefix, "/"), http.FileServer(http.Dir(dataDir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") || strings.HasSuffix(r.URL.Path, ".tmp") {
			apierrors.NotFound(w, "Артефакт не найден")
			return
		}
		files.ServeHTTP(w, r)
	})
}
