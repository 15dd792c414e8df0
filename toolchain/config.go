package toolchain

// Config names the external tools. Each entry is an argv prefix, so wrappers
// such as "cargo run --manifest-path=... --" can be used in place of a binary.
type Config struct {
	Cargo       []string
	SGXTarget   string
	BuildMode   string
	ELF2SGXS    []string
	SGXSSign    []string
	SancusCC    []string
	SancusLD    []string
	RustGen     []string
	SancusGen   []string
	RAClient    []string
	EnclaveHeap string
	EnclaveSize string
	Threads     string
}

func DefaultConfig() Config {
	return Config{
		Cargo:       []string{"cargo"},
		SGXTarget:   "x86_64-fortanix-unknown-sgx",
		BuildMode:   "debug",
		ELF2SGXS:    []string{"ftxsgx-elf2sgxs"},
		SGXSSign:    []string{"sgxs-sign"},
		SancusCC:    []string{"sancus-cc"},
		SancusLD:    []string{"sancus-ld"},
		RustGen:     []string{"rust-sgx-gen"},
		SancusGen:   []string{"sancus-gen"},
		RAClient:    []string{"ra-client"},
		EnclaveHeap: "0x20000",
		EnclaveSize: "0x20000",
		Threads:     "4",
	}
}

func argv(prefix []string, args ...string) []string {
	out := make([]string, 0, len(prefix)+len(args))
	out = append(out, prefix...)
	return append(out, args...)
}
