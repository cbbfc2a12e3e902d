package bridge

import "testing"

func TestCannedAnswerDeterministic(t *testing.T) {
	first := cannedAnswer("Составь конспект лекции", "материал")
	second := cannedAnswer("Составь конспект лекции", "материал")
	if first != second {
		t.Fatal("identical prompts must give identical canned answers")
	}
}

func TestCannedAnswerKeywords(t *testing.T) {
	if got := cannedAnswer("Составь конспект лекции", "транскрипт"); got != cannedSummary {
		t.Fatalf("summary prompt with context got wrong answer: %q", got)
	}
	if got := cannedAnswer("Please summarize this lecture", "transcript"); got != cannedSummary {
		t.Fatalf("english summary prompt got wrong answer: %q", got)
	}
	if got := cannedAnswer("Объясни термин из лекции", ""); got != cannedExplain {
		t.Fatalf("explain prompt got wrong answer: %q", got)
	}
	if got := cannedAnswer("Составь тест по лекции", "материал"); got != cannedQuiz {
		t.Fatalf("quiz prompt got wrong answer: %q", got)
	}
	if got := cannedAnswer("Привет, как дела?", ""); got != cannedDefault {
		t.Fatalf("generic prompt got wrong answer: %q", got)
	}
}

func TestCannedAnswerSummaryWithoutContext(t *testing.T) {
	if got := cannedAnswer("Составь конспект", ""); got != cannedNoContextSummary {
		t.Fatalf("summary without context got wrong answer: %q", got)
	}
	if got := cannedAnswer("Составь конспект", "   \n"); got != cannedNoContextSummary {
		t.Fatalf("summary with blank context got wrong answer: %q", got)
	}
}
