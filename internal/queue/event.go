// Package queue moves audit activity over RabbitMQ and appends it to the
// activity log.
package queue

import (
    "fmt"
    "sort"
    "strings"
    "time"

    "github.com/iliyamo/keygate/internal/service"
)

// DefaultQueue is the durable queue activity is published to.
const DefaultQueue = "keygate.activity"

// FormatLine renders one activity as a single human-friendly log line.
func FormatLine(a service.Activity) string {
    var b strings.Builder
    fmt.Fprintf(&b, "[%s] %s", a.At.UTC().Format(time.RFC3339), a.Type)
    field := func(k, v string) {
        if v != "" {
            fmt.Fprintf(&b, " | %s=%s", k, v)
        }
    }
    field("license", a.LicenseValue)
    field("session_id", a.SessionID)
    field("client_id", a.ClientID)
    field("ip", a.IP)

    keys := make([]string, 0, len(a.Detail))
    for k := range a.Detail {
        keys = append(keys, k)
    }
    sort.Strings(keys)
    for _, k := range keys {
        field(k, fmt.Sprintf("%q", a.Detail[k]))
    }
    b.WriteByte('\n')
    return b.String()
}
