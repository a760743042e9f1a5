// Package build owns the two independent compile steps of the pipeline.
//
// Ownership boundary:
// - AssetCompiler: UI source tree to a static asset tree under <work>/assets
//
// - ServerBundler: server entry module to one bundled file under <work>/server
//
// Neither step reads the other's output. Failures surface as faults.BuildError
// carrying the toolchain diagnostic unmodified.
package build
