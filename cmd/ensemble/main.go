// Ensemble is a multi-agent coordination engine around external AI CLIs.
package main

func main() {
	Execute()
}
