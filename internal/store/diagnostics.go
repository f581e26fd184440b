package store

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"agentmcp/internal/logging"
)

// logLockDiagnostics records who might be holding the database file and
// the state of the WAL/SHM/journal sidecars. Best-effort; failures are
// logged and ignored.
func (s *Store) logLockDiagnostics() {
	log := logging.Get(logging.CategoryStore)
	log.Warn("lock diagnostics for %s", s.path)

	if holders := processesHoldingFile(s.path); len(holders) > 0 {
		log.Warn("processes holding database file:")
		for _, h := range holders {
			log.Warn("  %s", h)
		}
	} else {
		log.Warn("no external process found holding the database file")
	}

	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		sidecar := s.path + suffix
		info, err := os.Stat(sidecar)
		if err != nil {
			continue
		}
		log.Warn("sidecar %s present, size=%d bytes", sidecar, info.Size())
	}
}

// processesHoldingFile enumerates open handles on the database file via
// lsof where available. Returns one formatted line per process.
func processesHoldingFile(path string) []string {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return nil
	}

	out, err := exec.Command("lsof", "-F", "pcn", path).Output()
	if err != nil {
		// lsof exits nonzero when nothing holds the file
		return nil
	}

	var holders []string
	var pid, cmd string
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		switch line[0] {
		case 'p':
			pid = line[1:]
		case 'c':
			cmd = line[1:]
			holders = append(holders, "pid="+pid+" cmd="+cmd)
		}
	}
	return holders
}
