package acceptance

import (
	"os"
	"testing"

	"github.com/cucumber/godog"
)

func runSuite(t *testing.T, defaultTags string) int {
	tags := os.Getenv("GODOG_TAGS")
	if tags == "" {
		tags = defaultTags
	} else {
		tags = tags + "&&~@wip"
	}

	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Tags:     tags,
		},
	}
	return suite.Run()
}

// TestFeatures runs all Gherkin acceptance tests
func TestFeatures(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping acceptance tests in short mode")
	}
	if runSuite(t, "~@wip") != 0 {
		t.Fatal("acceptance tests failed")
	}
}

// TestSmokeFeatures runs only smoke tests (quick verification)
func TestSmokeFeatures(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping acceptance tests in short mode")
	}
	if runSuite(t, "@smoke&&~@wip") != 0 {
		t.Fatal("smoke tests failed")
	}
}

// InitializeScenario sets up step definitions
func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &TestContext{}
	ctx.Before(tc.setup)
	ctx.After(tc.teardown)

	// Conversation capture
	ctx.Step(`^a fresh store for project "([^"]*)"$`, tc.freshStore)
	ctx.Step(`^the user says "([^"]*)"$`, tc.userSays)
	ctx.Step(`^the user says "([^"]*)" again$`, tc.userSays)
	ctx.Step(`^the user remembers "([^"]*)"$`, tc.userRemembers)
	ctx.Step(`^(\d+) hours pass$`, tc.hoursPass)
	ctx.Step(`^the capture outcome should be "([^"]*)"$`, tc.outcomeShouldBe)
	ctx.Step(`^the project should have (\d+) memor(?:y|ies)$`, tc.projectMemories)
	ctx.Step(`^the last memory should be typed "([^"]*)"$`, tc.lastMemoryTyped)
	ctx.Step(`^the last memory should have importance (\d+)$`, tc.lastMemoryImportance)
	ctx.Step(`^the project should have an active context$`, tc.hasActiveContext)
	ctx.Step(`^the project should have no active context$`, tc.noActiveContext)

	// Commits and the ledger
	ctx.Step(`^the repository has commits:$`, tc.repositoryHasCommits)
	ctx.Step(`^a new commit "([^"]*)" with message "([^"]*)"$`, tc.newCommit)
	ctx.Step(`^commits are captured$`, tc.commitsCaptured)
	ctx.Step(`^(\d+) commits? should be "([^"]*)"$`, tc.commitsWithOutcome)
	ctx.Step(`^the project should have (\d+) sessions?$`, tc.projectSessions)
	ctx.Step(`^the ledger should have seen "([^"]*)"$`, tc.ledgerSeen)
	ctx.Step(`^(\d+) commit ids are marked seen$`, tc.markSeen)
	ctx.Step(`^the ledger should hold (\d+) ids$`, tc.ledgerHolds)
	ctx.Step(`^the oldest ledger id should be "([^"]*)"$`, tc.oldestLedgerID)

	// Retrieval
	ctx.Step(`^the project has memories:$`, tc.projectHasMemories)
	ctx.Step(`^I retrieve context for "([^"]*)" twice$`, tc.retrieveTwice)
	ctx.Step(`^I retrieve context for "([^"]*)"$`, tc.retrieve)
	ctx.Step(`^the retrieval should not be empty$`, tc.retrievalNotEmpty)
	ctx.Step(`^both retrievals should be identical$`, tc.retrievalsIdentical)
	ctx.Step(`^the first retrieved memory should contain "([^"]*)"$`, tc.firstRetrievedContains)
	ctx.Step(`^I compare the vectors "([^"]*)" and "([^"]*)"$`, tc.compareVectors)
	ctx.Step(`^the similarity should be (-?[\d.]+)$`, tc.similarityShouldBe)
}

// Step implementations are in steps.go
