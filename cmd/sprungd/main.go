// Package main is the entry point for sprungd, the LLM orchestration server.
package main

func main() {
	Execute()
}
