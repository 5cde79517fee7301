package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は通知キューの処理と定期クリーンアップを行うワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandCleanup はクリーンアップジョブを1回だけ実行する。
	CommandCleanup Command = "cleanup"
	// CommandSync はIn-Band登録されたアカウントをバックエンドから取り込む。
	CommandSync Command = "sync"
	// CommandGenkey はドメインのサイト署名鍵を生成する。
	CommandGenkey Command = "genkey"
	// CommandNotifyUnconfirmed はメールアドレス未設定のアカウントにXMPPで設定を促す。
	CommandNotifyUnconfirmed Command = "notify-unconfirmed"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck,
		CommandCleanup, CommandSync, CommandGenkey, CommandNotifyUnconfirmed:
		return Command(args[0])
	default:
		return CommandServe
	}
}

// commandArgs はサブコマンド名より後の引数を返す。
func commandArgs(args []string) []string {
	if len(args) < 2 {
		return nil
	}
	return args[1:]
}
