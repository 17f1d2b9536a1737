package octree

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"go.viam.com/utils"
)

// WriteVTK writes this worker's leaf boxes as a legacy-ASCII VTK unstructured
// grid of voxel cells, one cell per leaf. The corner order produced by
// BoxCoordinates matches the VTK voxel point order, so the corners are
// emitted as-is.
func WriteVTK(w io.Writer, tree *DistributedTree) error {
	buf := bufio.NewWriter(w)
	nkeys := tree.NumKeys()

	fmt.Fprintln(buf, "# vtk DataFile Version 3.0")
	fmt.Fprintln(buf, "distributed octree leaves")
	fmt.Fprintln(buf, "ASCII")
	fmt.Fprintln(buf, "DATASET UNSTRUCTURED_GRID")

	fmt.Fprintf(buf, "POINTS %d double\n", 8*nkeys)
	domain := tree.Domain()
	for _, leaf := range tree.Keys() {
		for _, corner := range leaf.BoxCoordinates(domain) {
			fmt.Fprintf(buf, "%g %g %g\n", corner.X, corner.Y, corner.Z)
		}
	}

	fmt.Fprintf(buf, "CELLS %d %d\n", nkeys, 9*nkeys)
	for i := 0; i < nkeys; i++ {
		base := 8 * i
		fmt.Fprintf(buf, "8 %d %d %d %d %d %d %d %d\n",
			base, base+1, base+2, base+3, base+4, base+5, base+6, base+7)
	}

	fmt.Fprintf(buf, "CELL_TYPES %d\n", nkeys)
	for i := 0; i < nkeys; i++ {
		// 11 is the VTK voxel cell type.
		fmt.Fprintln(buf, 11)
	}

	return buf.Flush()
}

// WriteVTKFile writes the tree's leaf mesh to the named file.
func WriteVTKFile(path string, tree *DistributedTree) error {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return WriteVTK(f, tree)
}
