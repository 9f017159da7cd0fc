// Command skilloptd runs the skill-optimization runtime: the HTTP API,
// the bandit/cluster/pipeline request path, and the background
// evaluation, partitioning, and reflection controllers.
package main

import "github.com/skillopt/skillopt/internal/cli"

func main() {
	cli.Execute()
}
