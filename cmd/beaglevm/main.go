// Command beaglevm loads a Beagle Smalltalk image and runs it to its
// first suspension point (spec.md §6).
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/simberon/beaglest/internal/image"
	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
	"github.com/simberon/beaglest/internal/vm"
)

func main() {
	appPort := flag.Int("p", 0, "application websocket port")
	debugPort := flag.Int("d", 0, "debug websocket port")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: beaglevm [-p <port>] [-d <port>] <image>")
		os.Exit(1)
	}
	imagePath := flag.Arg(0)

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := run(imagePath, *appPort, *debugPort, log); err != nil {
		log.Errorw("beaglevm exiting", "error", err)
		os.Exit(1)
	}
}

func run(imagePath string, appPort, debugPort int, log *zap.SugaredLogger) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	defer f.Close()

	heap, err := image.Load(f, log)
	if err != nil {
		return err
	}

	ext := filepath.Ext(imagePath)
	base := strings.TrimSuffix(imagePath, ext)
	sourcesFile := base + ".sou"
	changesFile := base + ".cha"
	storeSystemFileNames(heap, sourcesFile, changesFile)

	if appPort != 0 || debugPort != 0 {
		log.Infow("websocket adapters disabled in this core", "app_port", appPort, "debug_port", debugPort)
	}

	machine := vm.New(heap, log)
	return machine.Start()
}

// storeSystemFileNames stashes the derived .sou/.cha names as
// instance variables on the system class (spec.md §6).
func storeSystemFileNames(heap *mem.Heap, sourcesFile, changesFile string) {
	systemClass := heap.WellKnownSlot(mem.WKSystemClass)
	if systemClass.IsImmediate() || systemClass == 0 {
		return
	}
	hdr := mem.HeaderForOOP(systemClass)
	if hdr.NamedInstVars() < vm.SystemFields {
		return
	}
	if o, err := newByteString(heap, sourcesFile); err == nil {
		hdr.SetNamedSlot(vm.SystemSourcesFileName, o)
	}
	if o, err := newByteString(heap, changesFile); err == nil {
		hdr.SetNamedSlot(vm.SystemChangesFileName, o)
	}
}

// newByteString allocates a ByteString instance holding s's bytes.
func newByteString(heap *mem.Heap, s string) (oop.OOP, error) {
	class := heap.WellKnownSlot(mem.WKByteStringClass)
	o, err := heap.NewInstanceOfClass(class, 0, uint64(len(s)), true, heap.Eden)
	if err != nil {
		return 0, err
	}
	copy(mem.HeaderForOOP(o).Body(), s)
	return o, nil
}
