/*
包 server 管理查询网关 HTTP/HTTPS 服务器的生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听（":0" 时 Addr 返回实际端口），
Run 阻塞到 context 结束后优雅关闭。配置了 TLSCertFile/TLSKeyFile 时使用
tlsutil.DefaultTLSConfig 启动 HTTPS。

SSE 与 WebSocket 流可能比关闭超时更长：超时后 Manager 取消所有请求的
父 context，在途查询随之取消，再强制关闭连接。
*/
package server
