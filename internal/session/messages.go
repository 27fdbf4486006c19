package session

const (
	StopReasonManual            = "manual"
	StopReasonServerShutdown    = "server_shutdown"
	StopReasonAborted           = "aborted"
	StopReasonOrphaned          = "orphaned"
	StopReasonPermissionDenied  = "permission_denied"
	StopReasonDeviceUnavailable = "device_unavailable"
	StopReasonStartFailed       = "start_failed"
)

const (
	permissionExplanation = "診察内容の文字起こしのため、マイクへのアクセス許可が必要です。" +
		"端末の設定で録音を許可してから、もう一度開始してください。" +
		"録音は文字起こしの送信後すぐに端末から削除されます。"

	transcriptHeaderFormat = "診察ID：%s"
	transcriptPeriodFormat = "録音期間：%s ~ %s（%s）"
)

func stopReasonDetail(reason string) string {
	switch reason {
	case StopReasonManual:
		return "診察の終了により録音を停止しました。"
	case StopReasonServerShutdown:
		return "サーバーの停止により録音を停止しました。"
	case StopReasonAborted:
		return "録音が強制終了されました。"
	case StopReasonOrphaned:
		return "前回の録音が正常に終了していませんでした。"
	case StopReasonPermissionDenied:
		return "マイクへのアクセスが許可されませんでした。"
	case StopReasonDeviceUnavailable:
		return "録音デバイスを利用できませんでした。"
	default:
		return "不明なエラーが発生しました。"
	}
}
