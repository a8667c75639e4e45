// Command vmxcaps-probe prints the host's supported CPUID leaves and its
// derived VMX CR0/CR4 fixed-bit masks, mirroring the teacher's "probe"
// subcommand shape (flag.ParseProbeArgs) without the boot subcommand this
// core has no use for.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/bobuhiro11/gokvm/probe"
)

func main() {
	fs := flag.NewFlagSet("vmxcaps-probe", flag.ExitOnError)
	dev := fs.String("D", "/dev/kvm", "path of kvm device")

	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	if err := probe.CPUID(os.Stdout, *dev); err != nil {
		log.Fatal(err)
	}

	if err := probe.VMXFixedMasks(os.Stdout, *dev); err != nil {
		log.Fatal(err)
	}
}
