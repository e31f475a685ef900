// The intelgen command runs the driver against the simulated platform for
// development and demonstration.
package main

func main() {
	Execute()
}
