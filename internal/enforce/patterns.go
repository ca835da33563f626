package enforce

// Built-in pattern sets. These are data, not behaviour: config can replace
// any of them. English and Korean are covered because mixed-language swarms
// are the common deployment.

// defaultFlatteryPatterns match praise, self-congratulation, status filler
// and unnecessary confirmation. Matched character counts feed the flattery
// ratio.
var defaultFlatteryPatterns = []string{
	// direct praise
	`(?i)great (question|work|job|idea|point)`,
	`(?i)excellent[!.,]?`,
	`(?i)(that's|that is) (a )?(great|wonderful|fantastic|amazing|brilliant)`,
	`(?i)you('re| are) (absolutely )?(right|correct)`,
	`(?i)what a (great|good|wonderful)`,
	// self-congratulation
	`(?i)i('m| am) (happy|glad|excited|thrilled|delighted) to`,
	`(?i)i hope (this|that) helps`,
	`(?i)(perfect|wonderful|awesome)[!.]`,
	// status filler
	`(?i)let me know if (you|there)`,
	`(?i)feel free to`,
	`(?i)(sure|certainly|absolutely)[!,.]`,
	`(?i)of course[!,.]`,
	// unnecessary confirmation
	`(?i)as (you|we) (mentioned|discussed|requested)`,
	`(?i)(happy|glad) to help`,
	// Korean praise and filler
	`좋은 (질문|지적|생각|아이디어)`,
	`훌륭(한|합니다)`,
	`정말 (좋|대단|멋지)`,
	`도움이 되(었기를|셨기를|길) 바랍니다`,
	`감사합니다[!.]?`,
	`물론(이죠|입니다)`,
	`기꺼이`,
}

// defaultApprovalTokens trip the review gate.
var defaultApprovalTokens = []string{
	"APPROVE", "APPROVED", "LGTM", "PASS", "승인", "통과", "합격",
}

// defaultEvidencePatterns are accepted as proof behind an approval.
var defaultEvidencePatterns = []string{
	// test results, including explicit N/M counts
	`(?i)\d+\s*/\s*\d+\s*(tests?|checks?)?\s*(pass|passed|passing)?`,
	`(?i)(all )?tests? (pass|passed|passing|green)`,
	`(?i)(go test|pytest|jest|cargo test|npm test)`,
	// build / compile
	`(?i)(build|compile[ds]?) (succeed|succeeded|passed|clean|ok)`,
	`(?i)(go build|go vet|tsc|make) (passed|succeeded|clean|ok|reports? no)`,
	// typecheck / lint
	`(?i)(lint|linter|typecheck|type check)(s|er)? (pass|passed|clean|no (errors|issues|warnings))`,
	// verification verbs
	`(?i)(verified|confirmed|validated|reproduced|measured|benchmarked)`,
	`(?i)(ran|executed) (the )?(tests?|build|linter|command)`,
	// code-review verbs
	`(?i)(reviewed|inspected|checked|diffed|read through) (the )?(diff|changes?|code|patch)`,
	// Korean evidence
	`(테스트|빌드|린트).{0,8}(통과|성공|완료)`,
	`(검증|확인)(했|됨|되었)`,
	`\d+개? 중 \d+개? (통과|성공)`,
}

// defaultCompletionTokens mark checklist items done for the todo tracker.
var defaultCompletionTokens = []string{
	"DONE", "TASK_COMPLETE", "완료", "✅",
}
