package bridge

import "strings"

// Заготовленные ответы: последний рубеж, когда ни воркер, ни in-process
// рантайм недоступны. Ассистент отвечает осмысленно и честно говорит, что
// модель не установлена, вместо ошибки в интерфейсе.

const cannedNoContextSummary = `Чтобы составить конспект, мне нужен материал лекции. Начните запись или откройте сессию с транскриптом.

💡 Для полноценного AI-анализа скачайте языковую модель в настройках.`

const cannedSummary = `Локальная языковая модель не установлена, поэтому вместо конспекта — краткая справка: транскрипт сохранён и будет проанализирован, как только вы скачаете модель в настройках.

💡 Рекомендуемая модель отмечена в списке звёздочкой.`

const cannedExplain = `Объяснить материал без языковой модели я не могу. Скачайте модель в настройках — после этого я смогу разбирать термины и отвечать на вопросы по лекции.`

const cannedQuiz = `Для составления теста по лекции нужна языковая модель. Скачайте её в настройках, и я подготовлю вопросы по материалу.`

const cannedDefault = `Локальная языковая модель не установлена. Откройте настройки и скачайте модель — все ответы генерируются на вашем устройстве, без отправки данных в сеть.`

// cannedAnswer подбирает заготовленный ответ по ключевым словам запроса.
// Детерминированный: одинаковый запрос всегда даёт одинаковый ответ.
func cannedAnswer(prompt, contextText string) string {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "summar") || strings.Contains(p, "конспект") || strings.Contains(p, "резюм"):
		if strings.TrimSpace(contextText) == "" {
			return cannedNoContextSummary
		}
		return cannedSummary
	case strings.Contains(p, "explain") || strings.Contains(p, "объясн"):
		return cannedExplain
	case strings.Contains(p, "quiz") || strings.Contains(p, "тест") || strings.Contains(p, "виктор"):
		return cannedQuiz
	default:
		return cannedDefault
	}
}
