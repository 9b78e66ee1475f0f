package detection

// The go:generate directive below invokes protoc, which is not part of this
// module's build: the build pipeline this module ships in has no
// protoc/protoc-gen-go toolchain available, so detection.go's JSON-codec
// bindings are written and
// maintained by hand against detection.proto as the source of truth. Once a
// protoc toolchain is available, replace the hand-written bindings with:
//
//go:generate protoc --go_out=. --go_opt=paths=source_relative --go-grpc_out=. --go-grpc_opt=paths=source_relative detection.proto
