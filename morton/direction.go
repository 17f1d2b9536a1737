package morton

// Directions holds the 26 offsets to the face, edge and vertex neighbors of a
// cell, every vector in {-1,0,1}^3 except the zero vector, with x varying
// fastest. The order is part of the binary contract and must not change.
var Directions = func() [26][3]int {
	var dirs [26][3]int
	i := 0
	for z := -1; z <= 1; z++ {
		for y := -1; y <= 1; y++ {
			for x := -1; x <= 1; x++ {
				if x == 0 && y == 0 && z == 0 {
					continue
				}
				dirs[i] = [3]int{x, y, z}
				i++
			}
		}
	}
	return dirs
}()
