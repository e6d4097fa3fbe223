package main

import "github.com/JakeFAU/rag-ingestor/cmd"

func main() {
	cmd.Execute()
}
