//go:build !gputhread_checkproducer

package gputhread

// producerGuard is a no-op outside the gputhread_checkproducer debug build;
// see producer_check_debug.go for the real assertion.
type producerGuard struct{}

func (p *producerGuard) bind()  {}
func (p *producerGuard) check() {}
