// Command inos-node runs the networking core as a host process.
package main

func main() {
	execute()
}
