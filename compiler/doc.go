/*

Process of verification

Graph Description Text ->
	graphio ->
Control Flow Graph (graph) + Frame Descriptors (frame) ->
	verify ->
		walk paths, merge slot tag states,
		insert deoptimizing exits on conflicting edges ->
Patched Graph ->
	format ->
Textual Dump

*/
package compiler
