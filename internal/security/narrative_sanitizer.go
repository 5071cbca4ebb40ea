// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NarrativeSanitizerService はLLM由来の物語テキストをサニタイズし、
// UIがHTMLとして描画してもXSS等のリスクがないことを保証する。
// bluemondayの許可リストベースのポリシーで、装飾タグのみを通過させる。
package security

import (
	"github.com/haruka/tensei/internal/model"
	"github.com/microcosm-cc/bluemonday"
)

// NarrativeSanitizerService は物語テキストのサニタイズ機能のインターフェースを定義する。
// Narrative Engineの応答をUIへ渡す前、およびスナップショットを消費した直後に使用される。
type NarrativeSanitizerService interface {
	// Sanitize は物語テキストをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, em, strong, blockquote）のみを通過させ、
	// script, iframe, styleタグおよびon*イベント属性を除去する。
	// 空文字列の入力には空文字列を返す。同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string

	// SanitizeSnapshot はスナップショットのテキストをその場でサニタイズする。
	SanitizeSnapshot(s *model.GameStateSnapshot)
}

// narrativeSanitizer はNarrativeSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type narrativeSanitizer struct {
	policy *bluemonday.Policy
}

// NewNarrativeSanitizer はNarrativeSanitizerServiceの新しいインスタンスを生成する。
// LLMの出力は段落と強調程度の装飾しか持たない前提のため、ポリシーは意図的に狭い。
// リンクと画像はインラインでは許可しない（画像はImageRefフィールド経由で別途検証される）。
func NewNarrativeSanitizer() *narrativeSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "em", "strong", "blockquote")

	return &narrativeSanitizer{policy: p}
}

// Sanitize は物語テキストをサニタイズして安全なHTMLを返す。
func (s *narrativeSanitizer) Sanitize(raw string) string {
	return s.policy.Sanitize(raw)
}

// SanitizeSnapshot はスナップショットのテキストと選択肢をその場でサニタイズする。
func (s *narrativeSanitizer) SanitizeSnapshot(snap *model.GameStateSnapshot) {
	if snap == nil {
		return
	}
	snap.Text = s.policy.Sanitize(snap.Text)
	for i, c := range snap.Choices {
		snap.Choices[i] = s.policy.Sanitize(c)
	}
}
