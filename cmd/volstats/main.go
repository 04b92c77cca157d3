// volstats prints the superblock and derived statistics of a volume without
// starting it. The volume must not be in use.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/superblock"
)

func main() {
	dir := flag.String("dir", "", "Path to the volume directory (required)")
	verbose := flag.Bool("verbose", false, "Also print the block layout")
	flag.Parse()

	if *dir == "" {
		fmt.Println("Usage: volstats -dir <volume_directory>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(*dir, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "volstats: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string, verbose bool) error {
	rec, found, err := superblock.Read(dir)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no superblock in %s", dir)
	}

	fmt.Printf("version         : %d\n", rec.Version)
	fmt.Printf("nonce           : %s\n", rec.Nonce)
	fmt.Printf("state           : %s\n", rec.State)
	fmt.Printf("logical blocks  : %d (%s)\n", rec.LogicalBlocks, blocksToSize(rec.LogicalBlocks))
	fmt.Printf("physical blocks : %d (%s)\n", rec.PhysicalBlocks, blocksToSize(rec.PhysicalBlocks))
	fmt.Printf("data blocks     : %d (%s)\n", rec.DataBlocks, blocksToSize(rec.DataBlocks))
	fmt.Printf("journal head    : %d\n", rec.JournalHead)

	switch rec.State {
	case core.VolumeDirty, core.VolumeForceRebuild:
		fmt.Println("note            : volume needs a rebuild before it can start")
	case core.VolumeReadOnly:
		fmt.Println("note            : volume was saved in read-only mode")
	}

	if verbose {
		fmt.Printf("mapping origin  : %d (%d pages)\n", rec.MappingOrigin, rec.MappingPages)
		fmt.Printf("journal origin  : %d (%d blocks)\n", rec.JournalOrigin, rec.JournalBlocks)
		fmt.Printf("summary origin  : %d\n", rec.SummaryOrigin)
		fmt.Printf("data origin     : %d\n", rec.DataOrigin)
	}
	return nil
}

func blocksToSize(blocks uint64) string {
	bytes := blocks * core.BlockSize
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(1<<20))
	default:
		return fmt.Sprintf("%d KiB", bytes>>10)
	}
}
