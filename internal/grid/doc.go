// Package grid expands a dispatch document's option tree into the ordered
// sequence of fully resolved jobs.
//
// Every list-valued option, and every lockstep group, is one dimension of
// the grid. Dimensions are ordered by their position in the document and
// the expansion walks them like an odometer: the first dimension varies
// slowest and the last varies fastest. For
//
//	lr   = [0.1, 0.01]
//	seed = [1, 2, 3]
//
// the jobs are (0.1,1) (0.1,2) (0.1,3) (0.01,1) (0.01,2) (0.01,3).
//
// Jobs are computed on demand from their index, so iterating a large grid
// never materializes it, and iterating twice yields the same sequence.
package grid
