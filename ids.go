package clinicsync

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks provisional records created while offline.
const LocalIDPrefix = "local_"

// NewLocalID mints a temporary id for an entity created offline.
func NewLocalID() string {
	return fmt.Sprintf("%s%d_%s", LocalIDPrefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// IsLocalID reports whether id is a provisional, locally minted id.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

func newID() string {
	return uuid.NewString()
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// joinPath appends an escaped id segment to an endpoint.
func joinPath(endpoint, id string) string {
	return strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(id)
}

// FormatBytes renders a byte count for humans ("1.5 KB").
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	sizes := []string{"Bytes", "KB", "MB", "GB", "TB"}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	v := float64(n) / math.Pow(1024, float64(i))
	v = math.Round(v*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizes[i]
}
