package cmd

import "github.com/SauersML/hpc-queue/internal/supervisor"

// readAlivePID returns the PID recorded at path when that process still
// exists, 0 otherwise.
func readAlivePID(path string) int {
	pid := supervisor.ReadPIDFile(path)
	if pid == 0 || !supervisor.ProcessAlive(pid) {
		return 0
	}
	return pid
}
