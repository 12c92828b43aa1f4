package vfs

import (
	"strings"

	"github.com/onedrived/onedrived/internal/models"
)

// placeholderSuffix marks a directory entry whose content has not been
// materialized locally (§4.4).
const placeholderSuffix = ".onedrivedownload"

// needsPlaceholder reports whether state requires the suffixed spelling
// in readdir/lookup.
func needsPlaceholder(state models.DownloadState) bool {
	return state == models.DownloadAbsent || state == models.DownloadStale
}

func hasPlaceholderSuffix(name string) bool {
	return strings.HasSuffix(name, placeholderSuffix) && len(name) > len(placeholderSuffix)
}

func stripPlaceholderSuffix(name string) string {
	return strings.TrimSuffix(name, placeholderSuffix)
}

func withPlaceholderSuffix(name string) string {
	return name + placeholderSuffix
}
