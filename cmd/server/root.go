package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bookgen",
	Short: "Biography generation service",
	Long: `bookgen turns a subject name into a complete biography.

A job walks through source validation, chapter and section generation,
length validation, concatenation and document export. Jobs run on
queue workers and report progress over websockets, callbacks and email.

Examples:
  bookgen serve                 # HTTP API plus queue workers
  bookgen worker                # queue workers only
  bookgen run "Ada Lovelace"    # one job in this process
  bookgen verify                # check configuration and connectivity`,
	SilenceUsage: true,
}
