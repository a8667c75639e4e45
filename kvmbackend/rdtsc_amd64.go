package kvmbackend

// rdtsc executes RDTSC and returns EDX:EAX as one 64-bit cycle count;
// implemented in rdtsc_amd64.s.
func rdtsc() uint64
