// Package latex describes the TeX engines a compilation container can run and
// picks one per request. The workspace layout is fixed: the source is written
// to SourceFile and the engine must produce OutputFile next to it.
package latex
