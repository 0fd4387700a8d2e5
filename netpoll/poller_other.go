//go:build !linux

package netpoll

func newPoller() (Poller, error) { return nil, ErrUnsupported }

func createWakeFd() (int, int, error) { return -1, -1, ErrUnsupported }

func signalWakeFd(int) error { return ErrUnsupported }

func drainWakeFd(int) {}

func closeWakeFd(int, int) {}
