package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"sort"
	"strconv"
	"strings"

	"github.com/whisthq/whist/backend/workspaces/utils"
)

// MaxReservedPort is the highest system port. Ports at or below it are never
// reported as active, since they belong to system services.
const MaxReservedPort = 1024

// UnknownProcess is reported when a listener's process can't be identified.
const UnknownProcess = "unknown"

// ParseFileListing parses the output of ListFilesCommand. Lines that don't
// parse are skipped. The result is sorted by name and is never nil.
func ParseFileListing(out string) []FileEntry {
	entries := []FileEntry{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 || fields[2] == "" {
			continue
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, FileEntry{
			Name: fields[2],
			Type: fileType(fields[0]),
			Size: size,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func fileType(findType string) string {
	switch findType {
	case "f":
		return FileTypeFile
	case "d":
		return FileTypeDirectory
	case "l":
		return FileTypeSymlink
	default:
		return FileTypeOther
	}
}

// ParsePorts parses ss or netstat listings of listening TCP sockets. Ports at
// or below MaxReservedPort are dropped, each port is reported once, and the
// result is sorted by port and never nil.
//
// Both tools put the local address in the fourth column:
//
//	LISTEN 0 511 0.0.0.0:3000 0.0.0.0:* users:(("node",pid=12,fd=20))
//	tcp 0 0 0.0.0.0:3000 0.0.0.0:* LISTEN 12/node
func ParsePorts(out string) []PortInfo {
	seen := make(map[int]PortInfo)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		port, ok := portFromAddress(fields[3])
		if !ok || port <= MaxReservedPort {
			continue
		}

		process := processName(fields)
		if existing, dup := seen[port]; dup && existing.Process != UnknownProcess {
			continue
		}
		seen[port] = PortInfo{Port: port, Process: process}
	}

	ports := make([]PortInfo, 0, len(seen))
	for _, p := range seen {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })
	return ports
}

// portFromAddress handles "0.0.0.0:80", "[::]:80", "*:80" and ":::80".
func portFromAddress(addr string) (int, bool) {
	i := strings.LastIndex(addr, ":")
	if i < 0 || i == len(addr)-1 {
		return 0, false
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

func processName(fields []string) string {
	for _, f := range fields[4:] {
		// ss: users:(("node",pid=12,fd=20))
		if strings.HasPrefix(f, "users:") {
			if name := utils.FindSubstringBetween(f, `(("`, `"`); name != "" {
				return name
			}
			return UnknownProcess
		}
	}

	// netstat: the last column is "pid/name", or "-" without privileges.
	last := fields[len(fields)-1]
	if i := strings.Index(last, "/"); i > 0 && i < len(last)-1 {
		if _, err := strconv.Atoi(last[:i]); err == nil {
			return last[i+1:]
		}
	}
	return UnknownProcess
}
