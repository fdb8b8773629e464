// Command mcphost runs the service manager and the weather provider, and discovers and
// calls provider tools from the command line.
package main

func main() {
	Execute()
}
