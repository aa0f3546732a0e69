// Package process runs driver-isolating or CPU-heavy work as OS
// subprocesses.
//
// Each subprocess gets its own process group. Terminate sends SIGTERM to
// the group and escalates to SIGKILL after a grace period; Kill goes
// straight to SIGKILL. Subprocess output is forwarded to the logger.
//
// Example usage:
//
//	p := process.New(process.Config{
//	    Name:   "camera-driver",
//	    Binary: "/opt/lab/bin/camera-driver",
//	    Args:   []string{"--serial", "/dev/ttyUSB0"},
//	})
//	if err := p.Start(ctx); err != nil {
//	    return err
//	}
//	defer p.Terminate()
package process
